package engine

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/delta"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func rv(n byte) []byte {
	return []byte{0, 0, 0, 0, 0, 0, 0, n}
}

func lit(s string) string {
	return regexp.QuoteMeta(s)
}

// expectOrdersRead mocks the full catalog read for a three column
// Orders table: identity int PK, decimal Amount, rowversion RV.
func expectOrdersRead(mock sqlmock.Sqlmock, pk bool) {
	const objectID = int64(245575913)
	mock.ExpectQuery("SELECT t.object_id").
		WithArgs("dbo", "Orders").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow(objectID))

	mock.ExpectQuery("c.column_id").WithArgs(objectID).
		WillReturnRows(sqlmock.NewRows([]string{
			"column_id", "name", "type_name", "max_length", "precision", "scale",
			"is_nullable", "collation_name", "is_identity", "is_computed",
			"seed_value", "increment_value", "computed_definition", "is_persisted",
			"default_name", "default_definition",
		}).
			AddRow(1, "OrderID", "int", 4, 10, 0, false, "", true, false, int64(1), int64(1), "", false, "", "").
			AddRow(2, "Amount", "decimal", 9, 18, 2, true, "", false, false, int64(0), int64(0), "", false, "", "").
			AddRow(3, "RV", "timestamp", 8, 0, 0, false, "", false, false, int64(0), int64(0), "", false, "", ""))

	kcRows := sqlmock.NewRows([]string{"name", "type", "index_type", "column", "desc"})
	if pk {
		kcRows.AddRow("PK_Orders", "PK", 1, "OrderID", false)
	}
	mock.ExpectQuery("sys.key_constraints").WithArgs(objectID).WillReturnRows(kcRows)

	mock.ExpectQuery("is_hypothetical").WithArgs(objectID).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "is_unique", "fill_factor", "filter", "column", "desc", "included"}))
	mock.ExpectQuery("sys.foreign_keys").WithArgs(objectID).
		WillReturnRows(sqlmock.NewRows([]string{"name", "ref_schema", "ref_table", "on_delete", "on_update", "disabled", "parent_col", "ref_col"}))
	mock.ExpectQuery("sys.check_constraints").WithArgs(objectID).
		WillReturnRows(sqlmock.NewRows([]string{"name", "definition", "is_disabled"}))
	mock.ExpectQuery("sys.triggers").WithArgs(objectID).
		WillReturnRows(sqlmock.NewRows([]string{"name", "definition", "instead_of", "disabled"}))
}

func ledgerEntryRow(mark []byte) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "schema_name", "table_name", "pk_columns", "pk_auto_detected",
		"where_clause", "strategy", "rowversion_column",
		"last_rowversion_synced", "last_sync_date", "last_sync_status",
		"last_error_message", "last_error_date",
		"records_inserted", "records_updated", "records_deleted",
		"created_date", "modified_date",
	}).AddRow(
		int64(1), "dbo", "Orders", "OrderID", true,
		"", "ROWVERSION", "RV",
		mark, now, "OK",
		"", nil,
		int64(10), int64(5), int64(2),
		now, now,
	)
}

func testEngine(t *testing.T, srcDB, dstDB *sql.DB, opts config.Options) (*Engine, *events.Queue) {
	t.Helper()
	q := events.NewQueue(events.DefaultCapacity)
	eng := New(&mssql.DB{DB: srcDB}, &mssql.DB{DB: dstDB}, opts, q)
	return eng, q
}

func drainTypes(q *events.Queue) []events.Type {
	q.Close()
	var types []events.Type
	for ev := range q.C() {
		types = append(types, ev.Type)
	}
	return types
}

func TestRunIncrementalInsert(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	dstDB, dstMock := newMockDB(t)

	expectOrdersRead(srcMock, true)

	dstMock.ExpectExec("IF OBJECT_ID").WillReturnResult(sqlmock.NewResult(0, 0))
	dstMock.ExpectQuery("SELECT t.object_id").
		WithArgs("dbo", "Orders").
		WillReturnRows(sqlmock.NewRows([]string{"object_id"}).AddRow(int64(55)))
	dstMock.ExpectQuery("WHERE schema_name = @p1 AND table_name = @p2").
		WithArgs("dbo", "Orders").
		WillReturnRows(ledgerEntryRow(rv(5)))
	dstMock.ExpectExec("MERGE").
		WithArgs("dbo", "Orders", "OrderID", true, nil, "ROWVERSION", "RV").
		WillReturnResult(sqlmock.NewResult(0, 1))
	dstMock.ExpectExec("last_sync_status = @p3").
		WithArgs("dbo", "Orders", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	probe := lit("[RV] AS probe")
	srcMock.ExpectQuery(probe).WillReturnRows(
		sqlmock.NewRows([]string{"OrderID", "probe"}).
			AddRow(int64(1), rv(3)).
			AddRow(int64(2), rv(6)))
	dstMock.ExpectQuery(probe).WillReturnRows(
		sqlmock.NewRows([]string{"OrderID", "probe"}).
			AddRow(int64(1), rv(1)))

	dstMock.ExpectBegin()
	dstMock.ExpectPrepare(lit("INSERT INTO [dbo].[Orders] ([OrderID], [Amount])"))
	dstMock.ExpectExec(lit("SET IDENTITY_INSERT [dbo].[Orders] ON")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	srcMock.ExpectQuery(lit("WHERE ([OrderID] = @p1)")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"OrderID", "Amount"}).
			AddRow(int64(2), []byte("20.00")))
	dstMock.ExpectExec(lit("INSERT INTO [dbo].[Orders]")).
		WithArgs(int64(2), "20.00").
		WillReturnResult(sqlmock.NewResult(1, 1))
	dstMock.ExpectExec(lit("SET IDENTITY_INSERT [dbo].[Orders] OFF")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	dstMock.ExpectExec("last_rowversion_synced = @p6").
		WithArgs("dbo", "Orders", int64(1), int64(0), int64(0), rv(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dstMock.ExpectCommit()

	opts := config.Defaults()
	opts.MaxParallelTables = 1
	eng, q := testEngine(t, srcDB, dstDB, opts)

	summary, err := eng.Run(context.Background(), []config.TableSync{{Schema: "dbo", Name: "Orders"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TablesOK)
	assert.Equal(t, 0, summary.TablesFailed)
	assert.Equal(t, int64(1), summary.Inserted)
	assert.False(t, summary.Canceled)

	assert.Equal(t, []events.Type{
		events.TableStarted,
		events.TableStrategySelected,
		events.BatchApplied,
		events.TableCompleted,
		events.RunCompleted,
	}, drainTypes(q))

	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, dstMock.ExpectationsWereMet())
}

func TestRunCreatesMissingTable(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	dstDB, dstMock := newMockDB(t)

	expectOrdersRead(srcMock, true)

	dstMock.ExpectExec("IF OBJECT_ID").WillReturnResult(sqlmock.NewResult(0, 0))
	dstMock.ExpectQuery("SELECT t.object_id").
		WithArgs("dbo", "Orders").
		WillReturnError(sql.ErrNoRows)
	dstMock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	dstMock.ExpectExec(lit("ADD CONSTRAINT [PK_Orders] PRIMARY KEY")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	dstMock.ExpectQuery("WHERE schema_name = @p1 AND table_name = @p2").
		WillReturnError(sql.ErrNoRows)
	dstMock.ExpectExec("MERGE").
		WithArgs("dbo", "Orders", "OrderID", true, nil, "ROWVERSION", "RV").
		WillReturnResult(sqlmock.NewResult(1, 1))
	dstMock.ExpectExec("last_sync_status = @p3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	probe := lit("[RV] AS probe")
	srcMock.ExpectQuery(probe).WillReturnRows(sqlmock.NewRows([]string{"OrderID", "probe"}))
	dstMock.ExpectQuery(probe).WillReturnRows(sqlmock.NewRows([]string{"OrderID", "probe"}))

	dstMock.ExpectBegin()
	dstMock.ExpectExec("records_inserted = records_inserted").
		WithArgs("dbo", "Orders", int64(0), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	dstMock.ExpectCommit()

	opts := config.Defaults()
	opts.MaxParallelTables = 1
	eng, q := testEngine(t, srcDB, dstDB, opts)

	summary, err := eng.Run(context.Background(), []config.TableSync{{Schema: "dbo", Name: "Orders"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TablesOK)
	assert.Zero(t, summary.Inserted)

	types := drainTypes(q)
	assert.Contains(t, types, events.TableSchemaCreated)
	assert.Contains(t, types, events.TableCompleted)

	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, dstMock.ExpectationsWereMet())
}

func TestRunDryRunMissingTable(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	dstDB, dstMock := newMockDB(t)

	expectOrdersRead(srcMock, true)

	dstMock.ExpectQuery("SELECT t.object_id").
		WithArgs("dbo", "Orders").
		WillReturnError(sql.ErrNoRows)
	srcMock.ExpectQuery("SELECT COUNT_BIG").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(42)))

	opts := config.Defaults()
	opts.MaxParallelTables = 1
	opts.DryRun = true
	eng, q := testEngine(t, srcDB, dstDB, opts)

	summary, err := eng.Run(context.Background(), []config.TableSync{{Schema: "dbo", Name: "Orders"}})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TablesOK)
	assert.Equal(t, int64(42), summary.Inserted)

	types := drainTypes(q)
	assert.NotContains(t, types, events.TableSchemaCreated)
	assert.Contains(t, types, events.TableCompleted)

	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, dstMock.ExpectationsWereMet())
}

func TestRunSkipsTableWithoutPK(t *testing.T) {
	srcDB, srcMock := newMockDB(t)
	dstDB, dstMock := newMockDB(t)

	expectOrdersRead(srcMock, false)

	opts := config.Defaults()
	opts.MaxParallelTables = 1
	eng, q := testEngine(t, srcDB, dstDB, opts)

	summary, err := eng.Run(context.Background(), []config.TableSync{{Schema: "dbo", Name: "Orders"}})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.TablesOK)
	assert.Equal(t, 1, summary.TablesFailed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, NoPrimaryKey, summary.Failures[0].Kind)

	assert.Equal(t, []events.Type{events.TableFailed, events.RunCompleted}, drainTypes(q))

	assert.NoError(t, srcMock.ExpectationsWereMet())
	assert.NoError(t, dstMock.ExpectationsWereMet())
}

func TestResolveKeys(t *testing.T) {
	tbl := &schema.Table{
		Ref: schema.TableRef{Schema: "dbo", Name: "Orders"},
		Columns: []schema.Column{
			{Ordinal: 1, Name: "OrderID", Kind: schema.KindIdentity, TypeName: "int"},
			{Ordinal: 2, Name: "Code", Kind: schema.KindRegular, TypeName: "nvarchar"},
		},
		PrimaryKey: &schema.PrimaryKey{
			Name:    "PK_Orders",
			Columns: []schema.IndexColumn{{Name: "OrderID"}},
		},
	}

	keys, auto, te := resolveKeys(tbl, config.TableSync{Schema: "dbo", Name: "Orders"})
	require.Nil(t, te)
	assert.Equal(t, []string{"OrderID"}, keys)
	assert.True(t, auto)

	keys, auto, te = resolveKeys(tbl, config.TableSync{Schema: "dbo", Name: "Orders", PrimaryKey: []string{"Code"}})
	require.Nil(t, te)
	assert.Equal(t, []string{"Code"}, keys)
	assert.False(t, auto)

	_, _, te = resolveKeys(tbl, config.TableSync{Schema: "dbo", Name: "Orders", PrimaryKey: []string{"Ghost"}})
	require.NotNil(t, te)
	assert.Equal(t, InvalidPKOverride, te.Kind)

	tbl.PrimaryKey = nil
	_, _, te = resolveKeys(tbl, config.TableSync{Schema: "dbo", Name: "Orders"})
	require.NotNil(t, te)
	assert.Equal(t, NoPrimaryKey, te.Kind)
}

func TestNewMarkMonotonic(t *testing.T) {
	entry := &ledger.Entry{LastRowversionSynced: rv(5)}

	tr := &tableRun{entry: entry}
	assert.Nil(t, tr.newMark(&delta.Delta{}))
	assert.Nil(t, tr.newMark(&delta.Delta{HighWater: rv(5)}))
	assert.Nil(t, tr.newMark(&delta.Delta{HighWater: rv(4)}))
	assert.Equal(t, rv(6), tr.newMark(&delta.Delta{HighWater: rv(6)}))

	fresh := &tableRun{}
	assert.Equal(t, rv(3), fresh.newMark(&delta.Delta{HighWater: rv(3)}))
}
