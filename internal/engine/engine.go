// Package engine orchestrates synchronization runs: it resolves
// source schemas, orders tables by foreign key dependency, runs each
// level through a bounded worker group, and drives every table
// through its pipeline (mirror DDL, ledger, delta, apply).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/espejo-db/espejo/internal/catalog"
	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// Engine synchronizes a set of tables from Source to Dest.
type Engine struct {
	Source  *mssql.DB
	Dest    *mssql.DB
	Options config.Options

	// Queue receives progress events when set. The engine never
	// blocks on it.
	Queue *events.Queue
}

func New(source, dest *mssql.DB, opts config.Options, queue *events.Queue) *Engine {
	return &Engine{Source: source, Dest: dest, Options: opts, Queue: queue}
}

// RunSummary aggregates one run. Row counters cover committed work
// only; a table that rolled back reports zero.
type RunSummary struct {
	TablesTotal  int
	TablesOK     int
	TablesFailed int
	Inserted     int64
	Updated      int64
	Deleted      int64
	Canceled     bool
	Failures     []*TableError
}

// Run synchronizes every table in the plan. Table failures are
// absorbed into the summary; the returned error is non-nil only when
// the run itself could not proceed (connection checkout failure,
// unusable ledger, cancellation).
func (e *Engine) Run(ctx context.Context, plan []config.TableSync) (*RunSummary, error) {
	runs := make([]*tableRun, 0, len(plan))
	var failed []*tableRun

	reader := catalog.NewReader(e.Source)
	for _, cfg := range plan {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, runs, failed, len(plan)), err
		}
		tr, te := resolveTable(ctx, reader, cfg)
		if te != nil {
			ftr := &tableRun{cfg: cfg, ref: cfg.Ref(), state: stateFailed, err: te}
			log.WithError(te.Err).WithFields(log.Fields{
				"table": ftr.ref.String(),
				"kind":  string(te.Kind),
			}).Error("table skipped")
			e.emit(events.Event{Type: events.TableFailed, Table: &ftr.ref, Err: te.Error()})
			failed = append(failed, ftr)
			continue
		}
		runs = append(runs, tr)
	}

	st := ledger.New(e.Options.LedgerSchema, e.Options.LedgerTable)
	if !e.Options.DryRun && len(runs) > 0 {
		ectx, cancel := cmdContext(ctx, e.Options.CmdTimeout())
		err := st.Ensure(ectx, e.Dest)
		cancel()
		if err != nil {
			return e.finish(ctx, runs, failed, len(plan)),
				fmt.Errorf("ensure ledger %s: %w", st.Qualified(), err)
		}
	}

	tables := make([]*schema.Table, len(runs))
	byKey := make(map[string]*tableRun, len(runs))
	for i, tr := range runs {
		tables[i] = tr.tbl
		byKey[tr.ref.Key()] = tr
	}

	limit := e.Options.MaxParallelTables
	if limit < 1 {
		limit = 1
	}

	var fatal error
	for _, level := range schema.DependencyLevels(tables) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		fks := &fkBacklog{}
		for _, tbl := range level {
			tr := byKey[tbl.Ref.Key()]
			g.Go(func() error {
				return e.syncTable(gctx, st, tr, fks)
			})
		}
		if err := g.Wait(); err != nil {
			fatal = err
			break
		}
		e.applyDeferredFKs(ctx, st, fks, byKey)
	}

	summary := e.finish(ctx, runs, failed, len(plan))
	if fatal != nil {
		return summary, fatal
	}
	return summary, nil
}

func (e *Engine) finish(ctx context.Context, runs, failed []*tableRun, total int) *RunSummary {
	s := &RunSummary{TablesTotal: total, Canceled: ctx.Err() != nil}
	all := make([]*tableRun, 0, len(runs)+len(failed))
	all = append(all, runs...)
	all = append(all, failed...)
	for _, tr := range all {
		switch tr.state {
		case stateDone:
			s.TablesOK++
		case stateFailed:
			s.TablesFailed++
			s.Failures = append(s.Failures, tr.err)
		}
		s.Inserted += tr.counters.Inserted
		s.Updated += tr.counters.Updated
		s.Deleted += tr.counters.Deleted
	}

	log.WithFields(log.Fields{
		"tables_ok":     s.TablesOK,
		"tables_failed": s.TablesFailed,
		"inserted":      s.Inserted,
		"updated":       s.Updated,
		"deleted":       s.Deleted,
		"canceled":      s.Canceled,
	}).Info("run completed")
	e.emit(events.Event{
		Type:         events.RunCompleted,
		TablesTotal:  s.TablesTotal,
		TablesOK:     s.TablesOK,
		TablesFailed: s.TablesFailed,
		Inserted:     s.Inserted,
		Updated:      s.Updated,
		Deleted:      s.Deleted,
		Canceled:     s.Canceled,
	})
	return s
}

func (e *Engine) emit(ev events.Event) {
	if e.Queue != nil {
		e.Queue.Emit(ev)
	}
}

// fkBacklog collects foreign key statements for tables created during
// a level. They run after the level completes, once every member and
// its data are in place; ALTER TABLE WITH CHECK then validates the
// loaded rows in one pass.
type fkBacklog struct {
	mu    sync.Mutex
	items []fkItem
}

type fkItem struct {
	ref   schema.TableRef
	stmts []string
}

func (b *fkBacklog) add(ref schema.TableRef, stmts []string) {
	if len(stmts) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(b.items, fkItem{ref: ref, stmts: stmts})
	b.mu.Unlock()
}

func (b *fkBacklog) take() []fkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (e *Engine) applyDeferredFKs(ctx context.Context, st *ledger.Store, fks *fkBacklog, byKey map[string]*tableRun) {
	for _, item := range fks.take() {
		tr := byKey[item.ref.Key()]
		for _, stmt := range item.stmts {
			sctx, cancel := cmdContext(ctx, e.Options.CmdTimeout())
			_, err := e.Dest.ExecContext(sctx, stmt)
			cancel()
			if err != nil {
				te := tableErr(DDLExecutionFailed, item.ref,
					fmt.Errorf("execute %q: %w", firstLine(stmt), err))
				if tr != nil && tr.state != stateFailed {
					e.tableFailed(ctx, st, e.Dest, tr, te)
				} else {
					log.WithError(err).WithField("table", item.ref.String()).
						Error("deferred foreign key failed")
				}
				break
			}
		}
	}
}

// IsCanceled reports whether err is a cancellation, either bare or
// wrapped in a TableError.
func IsCanceled(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TableError
	return errors.As(err, &te) && te.Kind == Canceled
}
