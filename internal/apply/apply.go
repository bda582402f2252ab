// Package apply writes a computed change set to the destination
// inside a single transaction: deletes first, then updates, then
// inserts. Row contents are pulled from the source in batches and
// written through prepared per-row statements.
//
// Deletes run first so that key churn (a delete and an insert of
// keys that collate differently on the two sides) always converges
// within the transaction instead of colliding on unique constraints.
package apply

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/espejo-db/espejo/internal/delta"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

const defaultBatchSize = 1000

// Applier writes deltas for one table at a time. Source is the side
// rows are fetched from; Events, when set, receives one BatchApplied
// event per executed batch.
type Applier struct {
	Source    mssql.Querier
	BatchSize int
	Events    *events.Queue
}

// Apply executes the delta on tx. It returns the counters actually
// applied, which can run below the delta counts when rows vanish
// from the source between the scan and the fetch.
//
// The caller owns tx: Apply never commits or rolls back.
func (a *Applier) Apply(ctx context.Context, tx *sql.Tx, tbl *schema.Table, keyCols []string, d *delta.Delta) (ledger.Counters, error) {
	var c ledger.Counters

	n, err := a.applyDeletes(ctx, tx, tbl, keyCols, d.Deletes)
	c.Deleted = n
	if err != nil {
		return c, err
	}

	n, err = a.applyUpdates(ctx, tx, tbl, keyCols, d.Updates)
	c.Updated = n
	if err != nil {
		return c, err
	}

	n, err = a.applyInserts(ctx, tx, tbl, keyCols, d.Inserts)
	c.Inserted = n
	return c, err
}

func (a *Applier) batchSize() int {
	if a.BatchSize > 0 {
		return a.BatchSize
	}
	return defaultBatchSize
}

func (a *Applier) emit(tbl *schema.Table, kind string, rows int) {
	if a.Events == nil || rows == 0 {
		return
	}
	a.Events.Emit(events.Event{
		Type:  events.BatchApplied,
		Table: &tbl.Ref,
		Kind:  kind,
		Rows:  int64(rows),
	})
}

func (a *Applier) applyDeletes(ctx context.Context, tx *sql.Tx, tbl *schema.Table, keyCols []string, keys []delta.Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, deleteStatement(tbl, keyCols))
	if err != nil {
		return 0, fmt.Errorf("prepare delete for %s: %w", tbl.Ref, err)
	}
	defer stmt.Close()

	var total int64
	batch := a.batchSize()
	for start := 0; start < len(keys); start += batch {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			res, err := stmt.ExecContext(ctx, key...)
			if err != nil {
				return total, fmt.Errorf("delete from %s: %w", tbl.Ref, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				total += n
			}
		}
		a.emit(tbl, "delete", end-start)
	}
	return total, nil
}

func (a *Applier) applyUpdates(ctx context.Context, tx *sql.Tx, tbl *schema.Table, keyCols []string, keys []delta.Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	setCols := tbl.UpdatableColumns(keyCols)
	if len(setCols) == 0 {
		// Key-only table: nothing an UPDATE could change.
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, updateStatement(tbl, setCols, keyCols))
	if err != nil {
		return 0, fmt.Errorf("prepare update for %s: %w", tbl.Ref, err)
	}
	defer stmt.Close()

	setIdx, err := columnIndexes(tbl, columnNames(setCols))
	if err != nil {
		return 0, err
	}
	keyIdx, err := columnIndexes(tbl, keyCols)
	if err != nil {
		return 0, err
	}

	var total int64
	batch := a.batchSize()
	for start := 0; start < len(keys); start += batch {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		rows, err := delta.FetchRows(ctx, a.Source, tbl, keyCols, keys[start:end])
		if err != nil {
			return total, err
		}
		for _, row := range rows {
			args := make([]any, 0, len(setIdx)+len(keyIdx))
			for _, i := range setIdx {
				args = append(args, row[i])
			}
			for _, i := range keyIdx {
				args = append(args, row[i])
			}
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return total, fmt.Errorf("update %s: %w", tbl.Ref, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				total += n
			}
		}
		a.emit(tbl, "update", len(rows))
	}
	return total, nil
}

func (a *Applier) applyInserts(ctx context.Context, tx *sql.Tx, tbl *schema.Table, keyCols []string, keys []delta.Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, insertStatement(tbl))
	if err != nil {
		return 0, fmt.Errorf("prepare insert for %s: %w", tbl.Ref, err)
	}
	defer stmt.Close()

	// IDENTITY_INSERT is a session setting, not part of the
	// transaction: whatever happens below, try to switch it back off.
	ident := tbl.HasIdentity()
	if ident {
		if err := setIdentityInsert(ctx, tx, tbl, true); err != nil {
			return 0, err
		}
	}

	var total int64
	batch := a.batchSize()
	for start := 0; start < len(keys); start += batch {
		if err := ctx.Err(); err != nil {
			identityOff(ctx, tx, tbl, ident)
			return total, err
		}
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		rows, err := delta.FetchRows(ctx, a.Source, tbl, keyCols, keys[start:end])
		if err != nil {
			identityOff(ctx, tx, tbl, ident)
			return total, err
		}
		for _, row := range rows {
			res, err := stmt.ExecContext(ctx, row...)
			if err != nil {
				identityOff(ctx, tx, tbl, ident)
				return total, fmt.Errorf("insert into %s: %w", tbl.Ref, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				total += n
			}
		}
		a.emit(tbl, "insert", len(rows))
	}

	if ident {
		if err := setIdentityInsert(ctx, tx, tbl, false); err != nil {
			return total, err
		}
	}
	return total, nil
}

func setIdentityInsert(ctx context.Context, tx *sql.Tx, tbl *schema.Table, on bool) error {
	word := "OFF"
	if on {
		word = "ON"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s %s", tbl.Ref, word)); err != nil {
		return fmt.Errorf("set identity_insert %s for %s: %w", strings.ToLower(word), tbl.Ref, err)
	}
	return nil
}

// identityOff is the error-path variant: the transaction may already
// be dead, so the result is discarded.
func identityOff(ctx context.Context, tx *sql.Tx, tbl *schema.Table, ident bool) {
	if ident {
		_, _ = tx.ExecContext(ctx, fmt.Sprintf("SET IDENTITY_INSERT %s OFF", tbl.Ref))
	}
}

func deleteStatement(tbl *schema.Table, keyCols []string) string {
	return fmt.Sprintf("DELETE FROM %s\nWHERE %s", tbl.Ref, keyPredicate(keyCols, 1))
}

func updateStatement(tbl *schema.Table, setCols []schema.Column, keyCols []string) string {
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = @p%d", schema.QuoteIdent(c.Name), i+1)
	}
	return fmt.Sprintf("UPDATE %s\nSET %s\nWHERE %s",
		tbl.Ref, strings.Join(sets, ", "), keyPredicate(keyCols, len(setCols)+1))
}

func insertStatement(tbl *schema.Table) string {
	cols := tbl.DataColumns()
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = schema.QuoteIdent(c.Name)
		params[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)\nVALUES (%s)",
		tbl.Ref, strings.Join(names, ", "), strings.Join(params, ", "))
}

func keyPredicate(keyCols []string, firstParam int) string {
	terms := make([]string, len(keyCols))
	for i, col := range keyCols {
		terms[i] = fmt.Sprintf("%s = @p%d", schema.QuoteIdent(col), firstParam+i)
	}
	return strings.Join(terms, " AND ")
}

func columnNames(cols []schema.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// columnIndexes maps column names to their positions in the fetched
// row, which carries DataColumns in ordinal order.
func columnIndexes(tbl *schema.Table, names []string) ([]int, error) {
	dataCols := tbl.DataColumns()
	pos := make(map[string]int, len(dataCols))
	for i, c := range dataCols {
		pos[strings.ToLower(c.Name)] = i
	}
	out := make([]int, len(names))
	for i, name := range names {
		j, ok := pos[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("column %q not in data columns of %s", name, tbl.Ref)
		}
		out[i] = j
	}
	return out, nil
}
