// Package ledger persists per-table sync state in the destination
// database: effective key, filter, strategy, rowversion high-water
// mark, last outcome and cumulative row counters. One row per
// replicated table, upserted with MERGE.
//
// Writes that must be atomic with data changes (RecordSuccess) take
// the caller's transaction; bookkeeping writes (RecordStart,
// RecordError) run in their own short statement so they survive a
// rolled-back sync.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// Strategy is the change detection strategy recorded for a table.
type Strategy string

const (
	StrategyRowversion Strategy = "ROWVERSION"
	StrategyHash       Strategy = "HASH"
)

// Statuses recorded in last_sync_status.
const (
	StatusOK      = "OK"
	StatusError   = "ERROR"
	StatusRunning = "RUNNING"
)

// ErrNoEntry is returned when an update targets a table the ledger
// has never been initialized for.
var ErrNoEntry = errors.New("no ledger entry")

// Entry is one ledger row.
type Entry struct {
	ID                   int64
	Table                schema.TableRef
	PKColumns            []string
	PKAutoDetected       bool
	WhereClause          string
	Strategy             Strategy
	RowversionColumn     string
	LastRowversionSynced []byte
	LastSyncDate         *time.Time
	LastSyncStatus       string
	LastErrorMessage     string
	LastErrorDate        *time.Time
	RecordsInserted      int64
	RecordsUpdated       int64
	RecordsDeleted       int64
	CreatedDate          time.Time
	ModifiedDate         time.Time
}

// Counters carries one run's row counts; they accumulate onto the
// ledger's lifetime totals.
type Counters struct {
	Inserted int64
	Updated  int64
	Deleted  int64
}

// InitConfig is what Initialize records about a table before its
// first batch runs.
type InitConfig struct {
	PKColumns        []string
	PKAutoDetected   bool
	WhereClause      string
	Strategy         Strategy
	RowversionColumn string
}

// Store addresses one ledger table.
type Store struct {
	schemaName string
	tableName  string
}

func New(schemaName, tableName string) *Store {
	return &Store{schemaName: schemaName, tableName: tableName}
}

// Qualified returns the bracket-quoted two-part ledger table name.
func (s *Store) Qualified() string {
	return schema.QuoteIdent(s.schemaName) + "." + schema.QuoteIdent(s.tableName)
}

// Ensure creates the ledger table and its indexes if absent.
func (s *Store) Ensure(ctx context.Context, q mssql.Querier) error {
	ddl := fmt.Sprintf(`
IF OBJECT_ID(N'%s', N'U') IS NULL
BEGIN
    CREATE TABLE %s (
        [id] INT IDENTITY(1,1) NOT NULL CONSTRAINT [PK_%s] PRIMARY KEY,
        [schema_name] NVARCHAR(128) NOT NULL,
        [table_name] NVARCHAR(128) NOT NULL,
        [pk_columns] NVARCHAR(MAX) NOT NULL,
        [pk_auto_detected] BIT NOT NULL CONSTRAINT [DF_%s_pk_auto] DEFAULT (0),
        [where_clause] NVARCHAR(MAX) NULL,
        [strategy] NVARCHAR(20) NOT NULL,
        [rowversion_column] NVARCHAR(128) NULL,
        [last_rowversion_synced] BINARY(8) NULL,
        [last_hash_synced] VARBINARY(32) NULL,
        [last_sync_date] DATETIME2(7) NULL,
        [last_sync_status] NVARCHAR(20) NULL,
        [last_error_message] NVARCHAR(MAX) NULL,
        [last_error_date] DATETIME2(7) NULL,
        [records_inserted] BIGINT NOT NULL CONSTRAINT [DF_%s_inserted] DEFAULT (0),
        [records_updated] BIGINT NOT NULL CONSTRAINT [DF_%s_updated] DEFAULT (0),
        [records_deleted] BIGINT NOT NULL CONSTRAINT [DF_%s_deleted] DEFAULT (0),
        [created_date] DATETIME2(7) NOT NULL CONSTRAINT [DF_%s_created] DEFAULT (SYSUTCDATETIME()),
        [modified_date] DATETIME2(7) NOT NULL CONSTRAINT [DF_%s_modified] DEFAULT (SYSUTCDATETIME()),
        CONSTRAINT [UQ_%s_table] UNIQUE ([schema_name], [table_name])
    );
    CREATE INDEX [IX_%s_last_sync] ON %s ([last_sync_date]);
END`,
		s.Qualified(), s.Qualified(),
		s.tableName, s.tableName, s.tableName, s.tableName, s.tableName,
		s.tableName, s.tableName, s.tableName, s.tableName, s.Qualified())
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure ledger %s: %w", s.Qualified(), err)
	}
	return nil
}

const entryColumns = `
    id, schema_name, table_name, pk_columns, pk_auto_detected,
    ISNULL(where_clause, ''), strategy, ISNULL(rowversion_column, ''),
    last_rowversion_synced, last_sync_date, ISNULL(last_sync_status, ''),
    ISNULL(last_error_message, ''), last_error_date,
    records_inserted, records_updated, records_deleted,
    created_date, modified_date`

// Load fetches the ledger entry for a table, or nil when the table
// has never been initialized.
func (s *Store) Load(ctx context.Context, q mssql.Querier, ref schema.TableRef) (*Entry, error) {
	query := fmt.Sprintf("SELECT%s\nFROM %s WHERE schema_name = @p1 AND table_name = @p2",
		entryColumns, s.Qualified())
	row := q.QueryRowContext(ctx, query, ref.Schema, ref.Name)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger entry for %s: %w", ref, err)
	}
	return e, nil
}

// Summary returns every ledger entry, for status reporting.
func (s *Store) Summary(ctx context.Context, q mssql.Querier) ([]Entry, error) {
	query := fmt.Sprintf("SELECT%s\nFROM %s ORDER BY last_sync_date DESC, schema_name, table_name", entryColumns, s.Qualified())
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger summary: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ledger summary: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger summary: %w", err)
	}
	return entries, nil
}

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	var (
		e          Entry
		pkJoined   string
		syncDate   sql.NullTime
		errDate    sql.NullTime
		rowversion []byte
	)
	err := scan(
		&e.ID, &e.Table.Schema, &e.Table.Name, &pkJoined, &e.PKAutoDetected,
		&e.WhereClause, &e.Strategy, &e.RowversionColumn,
		&rowversion, &syncDate, &e.LastSyncStatus,
		&e.LastErrorMessage, &errDate,
		&e.RecordsInserted, &e.RecordsUpdated, &e.RecordsDeleted,
		&e.CreatedDate, &e.ModifiedDate,
	)
	if err != nil {
		return nil, err
	}
	if pkJoined != "" {
		for _, c := range strings.Split(pkJoined, ",") {
			e.PKColumns = append(e.PKColumns, strings.TrimSpace(c))
		}
	}
	e.LastRowversionSynced = rowversion
	if syncDate.Valid {
		e.LastSyncDate = &syncDate.Time
	}
	if errDate.Valid {
		e.LastErrorDate = &errDate.Time
	}
	return &e, nil
}

// Initialize upserts the configuration half of a table's entry. Run
// state (counters, high-water, status) is left untouched on update.
func (s *Store) Initialize(ctx context.Context, q mssql.Querier, ref schema.TableRef, cfg InitConfig) error {
	query := fmt.Sprintf(`
MERGE %s AS target
USING (SELECT @p1 AS schema_name, @p2 AS table_name) AS source
ON target.schema_name = source.schema_name AND target.table_name = source.table_name
WHEN MATCHED THEN UPDATE SET
    pk_columns = @p3,
    pk_auto_detected = @p4,
    where_clause = @p5,
    strategy = @p6,
    rowversion_column = @p7,
    modified_date = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT
    (schema_name, table_name, pk_columns, pk_auto_detected, where_clause, strategy, rowversion_column)
    VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7);`, s.Qualified())

	_, err := q.ExecContext(ctx, query,
		ref.Schema, ref.Name,
		strings.Join(cfg.PKColumns, ","), cfg.PKAutoDetected,
		nullString(cfg.WhereClause), string(cfg.Strategy), nullString(cfg.RowversionColumn))
	if err != nil {
		return fmt.Errorf("initialize ledger entry for %s: %w", ref, err)
	}
	return nil
}

// RecordStart marks the table RUNNING. Called outside the data
// transaction so the state is visible while the sync runs.
func (s *Store) RecordStart(ctx context.Context, q mssql.Querier, ref schema.TableRef) error {
	query := fmt.Sprintf(`
UPDATE %s SET
    last_sync_status = @p3,
    modified_date = SYSUTCDATETIME()
WHERE schema_name = @p1 AND table_name = @p2`, s.Qualified())
	return s.exec(ctx, q, ref, query, ref.Schema, ref.Name, StatusRunning)
}

// RecordSuccess finalizes a successful sync: status OK, cumulative
// counters bumped, errors cleared, and the high-water mark advanced
// when newRowversion is set. It must run on the same transaction as
// the data changes so the mark and the rows commit together.
func (s *Store) RecordSuccess(ctx context.Context, q mssql.Querier, ref schema.TableRef, c Counters, newRowversion []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, `
UPDATE %s SET
    last_sync_date = SYSUTCDATETIME(),
    last_sync_status = N'OK',
    last_error_message = NULL,
    last_error_date = NULL,
    records_inserted = records_inserted + @p3,
    records_updated = records_updated + @p4,
    records_deleted = records_deleted + @p5,
    modified_date = SYSUTCDATETIME()`, s.Qualified())
	args := []any{ref.Schema, ref.Name, c.Inserted, c.Updated, c.Deleted}
	if newRowversion != nil {
		b.WriteString(",\n    last_rowversion_synced = @p6")
		args = append(args, newRowversion)
	}
	b.WriteString("\nWHERE schema_name = @p1 AND table_name = @p2")
	return s.exec(ctx, q, ref, b.String(), args...)
}

// RecordError marks the table ERROR with a truncated message. Runs
// outside the (rolled back) data transaction.
func (s *Store) RecordError(ctx context.Context, q mssql.Querier, ref schema.TableRef, msg string) error {
	const maxErrorLen = 2000
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	query := fmt.Sprintf(`
UPDATE %s SET
    last_sync_status = N'ERROR',
    last_error_message = @p3,
    last_error_date = SYSUTCDATETIME(),
    modified_date = SYSUTCDATETIME()
WHERE schema_name = @p1 AND table_name = @p2`, s.Qualified())
	return s.exec(ctx, q, ref, query, ref.Schema, ref.Name, msg)
}

// Reset clears run state for a table: high-water mark, counters,
// dates and status. Configuration (key, filter, strategy) stays.
func (s *Store) Reset(ctx context.Context, q mssql.Querier, ref schema.TableRef) error {
	query := fmt.Sprintf(`
UPDATE %s SET
    last_rowversion_synced = NULL,
    last_hash_synced = NULL,
    last_sync_date = NULL,
    last_sync_status = NULL,
    last_error_message = NULL,
    last_error_date = NULL,
    records_inserted = 0,
    records_updated = 0,
    records_deleted = 0,
    modified_date = SYSUTCDATETIME()
WHERE schema_name = @p1 AND table_name = @p2`, s.Qualified())
	return s.exec(ctx, q, ref, query, ref.Schema, ref.Name)
}

func (s *Store) exec(ctx context.Context, q mssql.Querier, ref schema.TableRef, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update ledger entry for %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ledger entry for %s: %w", ref, err)
	}
	if n == 0 {
		return fmt.Errorf("update ledger entry for %s: %w", ref, ErrNoEntry)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
