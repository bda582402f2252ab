package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/espejo-db/espejo/internal/events"
)

const engineScopeName = "github.com/espejo-db/espejo/engine"

// RunRecorder turns engine progress events into OTel spans and metrics:
// one span per run, a child span per table, and espejo.* instruments for
// applied rows and table outcomes. Create one per run and feed it every
// drained event. All methods are no-ops when telemetry is disabled.
type RunRecorder struct {
	enabled bool
	tracer  trace.Tracer
	rows    metric.Int64Counter
	tables  metric.Int64Counter
	dur     metric.Float64Histogram

	mu     sync.Mutex
	runCtx context.Context
	run    trace.Span
	open   map[string]tableSpan
}

type tableSpan struct {
	ctx   context.Context
	span  trace.Span
	start time.Time
}

// NewRunRecorder opens the run span. Pair with Close.
func NewRunRecorder(ctx context.Context) *RunRecorder {
	if !Enabled() {
		return &RunRecorder{}
	}
	m := Meter(engineScopeName)
	rows, _ := m.Int64Counter("espejo.rows.applied",
		metric.WithDescription("Rows written to the destination, by table and change kind"),
	)
	tables, _ := m.Int64Counter("espejo.tables.synced",
		metric.WithDescription("Tables that finished a sync attempt, by outcome"),
	)
	dur, _ := m.Float64Histogram("espejo.table.sync.duration",
		metric.WithDescription("Per-table sync duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	r := &RunRecorder{
		enabled: true,
		tracer:  Tracer(engineScopeName),
		rows:    rows,
		tables:  tables,
		dur:     dur,
		open:    make(map[string]tableSpan),
	}
	r.runCtx, r.run = r.tracer.Start(ctx, "espejo.run")
	return r
}

// Record consumes one progress event.
func (r *RunRecorder) Record(ev events.Event) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var key string
	if ev.Table != nil {
		key = ev.Table.String()
	}

	switch ev.Type {
	case events.TableStarted:
		ctx, span := r.tracer.Start(r.runCtx, "espejo.table",
			trace.WithAttributes(attribute.String("espejo.table", key)),
		)
		r.open[key] = tableSpan{ctx: ctx, span: span, start: time.Now()}

	case events.TableSchemaCreated:
		if ts, ok := r.open[key]; ok {
			ts.span.AddEvent("schema created")
		}

	case events.TableStrategySelected:
		if ts, ok := r.open[key]; ok {
			ts.span.SetAttributes(attribute.String("espejo.strategy", ev.Strategy))
		}

	case events.BatchApplied:
		r.rows.Add(r.runCtx, ev.Rows, metric.WithAttributes(
			attribute.String("espejo.table", key),
			attribute.String("espejo.kind", ev.Kind),
		))

	case events.TableFailed:
		r.closeTable(key, ev.Err)

	case events.TableCompleted:
		r.closeTable(key, "")

	case events.RunCompleted:
		r.run.SetAttributes(
			attribute.Int("espejo.tables.total", ev.TablesTotal),
			attribute.Int("espejo.tables.ok", ev.TablesOK),
			attribute.Int("espejo.tables.failed", ev.TablesFailed),
			attribute.Int64("espejo.rows.inserted", ev.Inserted),
			attribute.Int64("espejo.rows.updated", ev.Updated),
			attribute.Int64("espejo.rows.deleted", ev.Deleted),
		)
	}
}

// closeTable ends a table span and records its outcome. Callers hold r.mu.
func (r *RunRecorder) closeTable(key, errMsg string) {
	outcome := "ok"
	if errMsg != "" {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("espejo.table", key),
		attribute.String("espejo.outcome", outcome),
	)

	ts, ok := r.open[key]
	if !ok {
		// Failed before TableStarted: resolution failures have no span.
		r.tables.Add(r.runCtx, 1, attrs)
		return
	}
	delete(r.open, key)
	if errMsg != "" {
		ts.span.SetStatus(codes.Error, errMsg)
	}
	r.dur.Record(ts.ctx, float64(time.Since(ts.start).Milliseconds()), attrs)
	r.tables.Add(ts.ctx, 1, attrs)
	ts.span.End()
}

// Close ends the run span, along with any table spans an aborted run
// left open.
func (r *RunRecorder) Close() {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ts := range r.open {
		delete(r.open, key)
		ts.span.End()
	}
	r.run.End()
}
