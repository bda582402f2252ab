package ledger

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espejo-db/espejo/internal/schema"
)

var orders = schema.TableRef{Schema: "dbo", Name: "Orders"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestQualified(t *testing.T) {
	s := New("dbo", "SyncMetadata")
	assert.Equal(t, "[dbo].[SyncMetadata]", s.Qualified())

	s = New("sync", "State")
	assert.Equal(t, "[sync].[State]", s.Qualified())
}

func TestEnsure(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("IF OBJECT_ID").WillReturnResult(sqlmock.NewResult(0, 0))

	s := New("dbo", "SyncMetadata")
	require.NoError(t, s.Ensure(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAbsent(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("WHERE schema_name = @p1 AND table_name = @p2").
		WithArgs("dbo", "Orders").
		WillReturnError(sql.ErrNoRows)

	s := New("dbo", "SyncMetadata")
	e, err := s.Load(context.Background(), db, orders)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func entryRow() *sqlmock.Rows {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "schema_name", "table_name", "pk_columns", "pk_auto_detected",
		"where_clause", "strategy", "rowversion_column",
		"last_rowversion_synced", "last_sync_date", "last_sync_status",
		"last_error_message", "last_error_date",
		"records_inserted", "records_updated", "records_deleted",
		"created_date", "modified_date",
	}).AddRow(
		int64(1), "dbo", "Orders", "OrderID, LineNo", true,
		"([IsActive]=(1))", "ROWVERSION", "RV",
		[]byte{0, 0, 0, 0, 0, 0, 0x12, 0x34}, now, "OK",
		"", nil,
		int64(100), int64(40), int64(7),
		now, now,
	)
}

func TestLoad(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("WHERE schema_name = @p1 AND table_name = @p2").
		WithArgs("dbo", "Orders").
		WillReturnRows(entryRow())

	s := New("dbo", "SyncMetadata")
	e, err := s.Load(context.Background(), db, orders)
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, []string{"OrderID", "LineNo"}, e.PKColumns)
	assert.True(t, e.PKAutoDetected)
	assert.Equal(t, StrategyRowversion, e.Strategy)
	assert.Equal(t, "RV", e.RowversionColumn)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x12, 0x34}, e.LastRowversionSynced)
	require.NotNil(t, e.LastSyncDate)
	assert.Nil(t, e.LastErrorDate)
	assert.Equal(t, int64(100), e.RecordsInserted)
	assert.Equal(t, int64(7), e.RecordsDeleted)
}

func TestInitialize(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("MERGE").
		WithArgs("dbo", "Orders", "OrderID", true, nil, "ROWVERSION", "RV").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	err := s.Initialize(context.Background(), db, orders, InitConfig{
		PKColumns:        []string{"OrderID"},
		PKAutoDetected:   true,
		Strategy:         StrategyRowversion,
		RowversionColumn: "RV",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStart(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("last_sync_status = @p3").
		WithArgs("dbo", "Orders", "RUNNING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	require.NoError(t, s.RecordStart(context.Background(), db, orders))
}

func TestRecordSuccessWithRowversion(t *testing.T) {
	db, mock := newMock(t)
	rv := []byte{0, 0, 0, 0, 0, 0, 0xAB, 0xCD}
	mock.ExpectExec("last_rowversion_synced = @p6").
		WithArgs("dbo", "Orders", int64(3), int64(2), int64(1), rv).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	err := s.RecordSuccess(context.Background(), db, orders, Counters{Inserted: 3, Updated: 2, Deleted: 1}, rv)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSuccessWithoutRowversion(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("records_deleted = records_deleted").
		WithArgs("dbo", "Orders", int64(0), int64(0), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	err := s.RecordSuccess(context.Background(), db, orders, Counters{Deleted: 5}, nil)
	require.NoError(t, err)
}

func TestRecordSuccessNoEntry(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("records_inserted").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := New("dbo", "SyncMetadata")
	err := s.RecordSuccess(context.Background(), db, orders, Counters{}, nil)
	require.ErrorIs(t, err, ErrNoEntry)
}

func TestRecordErrorTruncates(t *testing.T) {
	db, mock := newMock(t)
	long := strings.Repeat("x", 2500)
	mock.ExpectExec("last_error_message = @p3").
		WithArgs("dbo", "Orders", long[:2000]).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	require.NoError(t, s.RecordError(context.Background(), db, orders, long))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReset(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("last_rowversion_synced = NULL").
		WithArgs("dbo", "Orders").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New("dbo", "SyncMetadata")
	require.NoError(t, s.Reset(context.Background(), db, orders))
}

func TestSummary(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("ORDER BY last_sync_date DESC, schema_name, table_name").
		WillReturnRows(entryRow())

	s := New("dbo", "SyncMetadata")
	entries, err := s.Summary(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, orders, entries[0].Table)
	assert.Equal(t, StatusOK, entries[0].LastSyncStatus)
}
