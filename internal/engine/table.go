package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/espejo-db/espejo/internal/apply"
	"github.com/espejo-db/espejo/internal/catalog"
	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/delta"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

type state int

const (
	statePending state = iota
	stateSchemaReady
	stateLedgerReady
	stateApplying
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSchemaReady:
		return "schema-ready"
	case stateLedgerReady:
		return "ledger-ready"
	case stateApplying:
		return "applying"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// tableRun carries one table through the pipeline.
type tableRun struct {
	cfg config.TableSync
	ref schema.TableRef
	tbl *schema.Table

	keyCols []string
	auto    bool // key taken from the catalog PK, not an override

	entry    *ledger.Entry
	dec      delta.Decision
	state    state
	created  bool
	counters ledger.Counters
	err      *TableError
}

// resolveTable reads the source schema and settles the effective key
// columns: a validated override when configured, the catalog PK
// otherwise.
func resolveTable(ctx context.Context, reader *catalog.Reader, cfg config.TableSync) (*tableRun, *TableError) {
	ref := cfg.Ref()
	tbl, err := reader.ReadTable(ctx, ref)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, tableErr(TableNotFound, ref, err)
		}
		return nil, tableErr(CatalogQueryFailed, ref, err)
	}

	keyCols, auto, te := resolveKeys(tbl, cfg)
	if te != nil {
		return nil, te
	}
	return &tableRun{cfg: cfg, ref: ref, tbl: tbl, keyCols: keyCols, auto: auto}, nil
}

func resolveKeys(tbl *schema.Table, cfg config.TableSync) ([]string, bool, *TableError) {
	ref := cfg.Ref()
	if len(cfg.PrimaryKey) > 0 {
		for _, name := range cfg.PrimaryKey {
			if tbl.Column(name) == nil {
				return nil, false, tableErr(InvalidPKOverride, ref,
					fmt.Errorf("pk override column %q does not exist in %s", name, ref))
			}
		}
		return cfg.PrimaryKey, false, nil
	}
	if tbl.PrimaryKey != nil && len(tbl.PrimaryKey.Columns) > 0 {
		return tbl.PrimaryKey.ColumnNames(), true, nil
	}
	return nil, false, tableErr(NoPrimaryKey, ref,
		fmt.Errorf("%s has no primary key; configure primary_key in the plan", ref))
}

// syncTable runs one table end to end on its own connection pair. It
// returns an error only for run-fatal conditions (connection checkout
// failure, cancellation); per-table failures are recorded on tr and
// absorbed so sibling tables keep going.
func (e *Engine) syncTable(ctx context.Context, st *ledger.Store, tr *tableRun, fks *fkBacklog) error {
	e.emit(events.Event{Type: events.TableStarted, Table: &tr.ref})

	srcConn, err := e.Source.Conn(ctx)
	if err != nil {
		te := tableErr(ConnectionFailed, tr.ref, fmt.Errorf("source connection: %w", err))
		e.tableFailed(ctx, st, nil, tr, te)
		return te
	}
	defer srcConn.Close()

	dstConn, err := e.Dest.Conn(ctx)
	if err != nil {
		te := tableErr(ConnectionFailed, tr.ref, fmt.Errorf("destination connection: %w", err))
		e.tableFailed(ctx, st, nil, tr, te)
		return te
	}
	defer dstConn.Close()

	if te := e.runPipeline(ctx, st, tr, srcConn, dstConn, fks); te != nil {
		e.tableFailed(ctx, st, dstConn, tr, te)
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (e *Engine) runPipeline(ctx context.Context, st *ledger.Store, tr *tableRun, src mssql.Querier, dst *sql.Conn, fks *fkBacklog) *TableError {
	dry := e.Options.DryRun
	cmd := e.Options.CmdTimeout()
	flog := log.WithField("table", tr.ref.String())

	ectx, ecancel := cmdContext(ctx, cmd)
	exists, err := catalog.NewReader(dst).TableExists(ectx, tr.ref)
	ecancel()
	if err != nil {
		return tableErr(CatalogQueryFailed, tr.ref, err)
	}
	if !exists {
		if dry {
			cctx, ccancel := cmdContext(ctx, cmd)
			n, err := countSourceRows(cctx, src, tr.ref, tr.cfg.Where)
			ccancel()
			if err != nil {
				return tableErr(DeltaComputationFailed, tr.ref, err)
			}
			tr.counters.Inserted = n
			tr.state = stateDone
			flog.WithField("rows", n).Info("dry run: table missing on destination, full copy pending")
			e.emitCompleted(tr)
			return nil
		}
		if err := createTable(ctx, dst, tr.tbl, cmd); err != nil {
			return tableErr(DDLExecutionFailed, tr.ref, err)
		}
		fks.add(tr.ref, tr.tbl.ForeignKeyScript())
		tr.created = true
		flog.Info("created destination table")
		e.emit(events.Event{Type: events.TableSchemaCreated, Table: &tr.ref})
	}
	tr.state = stateSchemaReady

	lctx, lcancel := cmdContext(ctx, cmd)
	entry, err := st.Load(lctx, dst, tr.ref)
	lcancel()
	if err != nil {
		if !dry {
			return tableErr(LedgerUpdateFailed, tr.ref, err)
		}
		entry = nil // dry run against a destination without a ledger
	}
	tr.entry = entry
	tr.dec = delta.Select(tr.tbl, entry)
	flog.WithField("strategy", tr.dec.Label()).Info("strategy selected")
	e.emit(events.Event{Type: events.TableStrategySelected, Table: &tr.ref, Strategy: tr.dec.Label()})

	if !dry {
		init := ledger.InitConfig{
			PKColumns:        tr.keyCols,
			PKAutoDetected:   tr.auto,
			WhereClause:      tr.cfg.Where,
			Strategy:         tr.dec.Strategy,
			RowversionColumn: tr.dec.RowversionColumn,
		}
		ictx, icancel := cmdContext(ctx, cmd)
		err := st.Initialize(ictx, dst, tr.ref, init)
		icancel()
		if err != nil {
			return tableErr(LedgerUpdateFailed, tr.ref, err)
		}
		sctx, scancel := cmdContext(ctx, cmd)
		err = st.RecordStart(sctx, dst, tr.ref)
		scancel()
		if err != nil {
			return tableErr(LedgerUpdateFailed, tr.ref, err)
		}
	}
	tr.state = stateLedgerReady

	d, err := delta.Compute(ctx, src, dst, tr.tbl, tr.keyCols, tr.cfg.Where, tr.dec)
	if err != nil {
		return tableErr(DeltaComputationFailed, tr.ref, err)
	}

	if dry {
		tr.counters = d.Counts()
		tr.state = stateDone
		e.emitCompleted(tr)
		return nil
	}

	tr.state = stateApplying
	tx, err := dst.BeginTx(ctx, nil)
	if err != nil {
		return tableErr(BatchApplyFailed, tr.ref, err)
	}

	applier := &apply.Applier{Source: src, BatchSize: e.Options.BatchSize, Events: e.Queue}
	counters, err := applier.Apply(ctx, tx, tr.tbl, tr.keyCols, d)
	if err != nil {
		tx.Rollback()
		return tableErr(BatchApplyFailed, tr.ref, err)
	}
	tr.counters = counters

	if err := st.RecordSuccess(ctx, tx, tr.ref, counters, tr.newMark(d)); err != nil {
		tx.Rollback()
		return tableErr(LedgerUpdateFailed, tr.ref, err)
	}
	if err := tx.Commit(); err != nil {
		return tableErr(BatchApplyFailed, tr.ref, err)
	}

	tr.state = stateDone
	flog.WithFields(log.Fields{
		"inserted": counters.Inserted,
		"updated":  counters.Updated,
		"deleted":  counters.Deleted,
	}).Info("table synchronized")
	e.emitCompleted(tr)
	return nil
}

// newMark is the rowversion mark to persist: the delta's high-water,
// unless the stored mark is already at or past it. The mark only ever
// moves forward.
func (tr *tableRun) newMark(d *delta.Delta) []byte {
	hw := d.HighWater
	if hw == nil {
		return nil
	}
	if tr.entry != nil && len(tr.entry.LastRowversionSynced) == len(hw) &&
		bytes.Compare(hw, tr.entry.LastRowversionSynced) <= 0 {
		return nil
	}
	return hw
}

func (e *Engine) emitCompleted(tr *tableRun) {
	e.emit(events.Event{
		Type:     events.TableCompleted,
		Table:    &tr.ref,
		Inserted: tr.counters.Inserted,
		Updated:  tr.counters.Updated,
		Deleted:  tr.counters.Deleted,
	})
}

// tableFailed finalizes a failure: state, ledger stamp (best effort),
// event and log line.
func (e *Engine) tableFailed(ctx context.Context, st *ledger.Store, dst mssql.Querier, tr *tableRun, te *TableError) {
	tr.state = stateFailed
	tr.err = te
	log.WithError(te.Err).WithFields(log.Fields{
		"table": tr.ref.String(),
		"kind":  string(te.Kind),
	}).Error("table sync failed")
	if !e.Options.DryRun && dst != nil {
		e.recordError(ctx, st, dst, tr.ref, te.Error())
	}
	e.emit(events.Event{Type: events.TableFailed, Table: &tr.ref, Err: te.Error()})
}

// recordError stamps the failure into the ledger on a context that
// survives run cancellation. A table that never reached Initialize
// has no entry to stamp; that is not an error.
func (e *Engine) recordError(ctx context.Context, st *ledger.Store, q mssql.Querier, ref schema.TableRef, msg string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := st.RecordError(rctx, q, ref, msg); err != nil && !errors.Is(err, ledger.ErrNoEntry) {
		log.WithError(err).WithField("table", ref.String()).Warn("could not record failure in ledger")
	}
}

func createTable(ctx context.Context, q mssql.Querier, tbl *schema.Table, cmd time.Duration) error {
	for _, stmt := range tbl.CreateScript(schema.ScriptOptions{OmitForeignKeys: true}) {
		sctx, cancel := cmdContext(ctx, cmd)
		_, err := q.ExecContext(sctx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// cmdContext bounds one discrete statement by the configured command
// timeout; zero means no ceiling. Streaming scans and statements
// inside the data transaction stay on the run context, because a
// deadline firing there aborts the whole transaction rather than one
// command.
func cmdContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit > 0 {
		return context.WithTimeout(ctx, limit)
	}
	return context.WithCancel(ctx)
}

func countSourceRows(ctx context.Context, q mssql.Querier, ref schema.TableRef, filter string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT_BIG(*) FROM %s", ref)
	if filter != "" {
		query += fmt.Sprintf(" WHERE (%s)", filter)
	}
	var n int64
	if err := q.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", ref, err)
	}
	return n, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
