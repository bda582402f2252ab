// Package catalog reads table structure from the SQL Server system
// catalog (sys.tables, sys.columns, sys.indexes and friends) into the
// schema model. It never reads user data.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// ErrNotFound is returned when the named table does not exist in the
// database being inspected.
var ErrNotFound = errors.New("table not found")

// Reader introspects one database via its Querier.
type Reader struct {
	q mssql.Querier
}

func NewReader(q mssql.Querier) *Reader {
	return &Reader{q: q}
}

// ObjectID resolves a table reference to its object_id, or ErrNotFound.
func (r *Reader) ObjectID(ctx context.Context, ref schema.TableRef) (int64, error) {
	const q = `
SELECT t.object_id
FROM sys.tables t
JOIN sys.schemas s ON t.schema_id = s.schema_id
WHERE s.name = @p1 AND t.name = @p2`
	var id int64
	err := r.q.QueryRowContext(ctx, q, ref.Schema, ref.Name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return id, nil
}

// TableExists reports whether the table exists.
func (r *Reader) TableExists(ctx context.Context, ref schema.TableRef) (bool, error) {
	_, err := r.ObjectID(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadTable loads the complete structural description of one table:
// columns with identity/computed/rowversion classification, primary
// key, unique constraints, indexes, foreign keys, check constraints
// and triggers.
func (r *Reader) ReadTable(ctx context.Context, ref schema.TableRef) (*schema.Table, error) {
	id, err := r.ObjectID(ctx, ref)
	if err != nil {
		return nil, err
	}

	t := &schema.Table{Ref: ref}
	if t.Columns, err = r.readColumns(ctx, id); err != nil {
		return nil, fmt.Errorf("read columns for %s: %w", ref, err)
	}
	if err = r.readKeyConstraints(ctx, id, t); err != nil {
		return nil, fmt.Errorf("read key constraints for %s: %w", ref, err)
	}
	if t.Indexes, err = r.readIndexes(ctx, id); err != nil {
		return nil, fmt.Errorf("read indexes for %s: %w", ref, err)
	}
	if t.ForeignKeys, err = r.readForeignKeys(ctx, id); err != nil {
		return nil, fmt.Errorf("read foreign keys for %s: %w", ref, err)
	}
	if t.Checks, err = r.readChecks(ctx, id); err != nil {
		return nil, fmt.Errorf("read check constraints for %s: %w", ref, err)
	}
	if t.Triggers, err = r.readTriggers(ctx, id); err != nil {
		return nil, fmt.Errorf("read triggers for %s: %w", ref, err)
	}
	return t, nil
}

// TableInfo is one row of the database's user table inventory.
type TableInfo struct {
	Ref  schema.TableRef
	Rows int64
}

// ListTables enumerates user tables with their approximate row counts
// from sys.partitions (heap or clustered index partitions only).
func (r *Reader) ListTables(ctx context.Context) ([]TableInfo, error) {
	const q = `
SELECT s.name, t.name, ISNULL(SUM(p.rows), 0)
FROM sys.tables t
JOIN sys.schemas s ON t.schema_id = s.schema_id
LEFT JOIN sys.partitions p ON p.object_id = t.object_id AND p.index_id IN (0, 1)
WHERE t.is_ms_shipped = 0
GROUP BY s.name, t.name
ORDER BY s.name, t.name`
	rows, err := r.q.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var infos []TableInfo
	for rows.Next() {
		var info TableInfo
		if err := rows.Scan(&info.Ref.Schema, &info.Ref.Name, &info.Rows); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return infos, nil
}
