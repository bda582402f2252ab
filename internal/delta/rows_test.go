package delta

import (
	"context"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espejo-db/espejo/internal/schema"
)

func TestFetchRowsNoKeys(t *testing.T) {
	out, err := FetchRows(context.Background(), nil, scanTable(), []string{"ID"}, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFetchRowsCompositeKey(t *testing.T) {
	db, mock := newMockDB(t)

	tbl := &schema.Table{
		Ref: schema.TableRef{Schema: "dbo", Name: "OrderLines"},
		Columns: []schema.Column{
			{Ordinal: 1, Name: "OrderID", Kind: schema.KindRegular, TypeName: "int"},
			{Ordinal: 2, Name: "LineNo", Kind: schema.KindRegular, TypeName: "int"},
			{Ordinal: 3, Name: "Amount", Kind: schema.KindRegular, TypeName: "decimal", Precision: 10, Scale: 2},
		},
	}
	query := "SELECT [OrderID], [LineNo], [Amount]\n" +
		"FROM [dbo].[OrderLines]\n" +
		"WHERE ([OrderID] = @p1 AND [LineNo] = @p2) OR ([OrderID] = @p3 AND [LineNo] = @p4)"

	mock.ExpectQuery(query).
		WithArgs(int64(1), int64(1), int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"OrderID", "LineNo", "Amount"}).
			AddRow(int64(1), int64(1), []byte("9.99")).
			AddRow(int64(1), int64(2), []byte("10.00")))

	keys := []Key{{int64(1), int64(1)}, {int64(1), int64(2)}}
	out, err := FetchRows(context.Background(), db, tbl, []string{"OrderID", "LineNo"}, keys)
	require.NoError(t, err)

	require.Len(t, out, 2)
	// Decimal bytes come back as plain strings so the values rebind
	// cleanly as parameters on the destination side.
	assert.Equal(t, []any{int64(1), int64(1), "9.99"}, out[0])
	assert.Equal(t, []any{int64(1), int64(2), "10.00"}, out[1])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRowsChunksUnderParamCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// 2001 single-column keys split into a full chunk of 2000 and a
	// remainder of one.
	keys := make([]Key, 2001)
	for i := range keys {
		keys[i] = Key{int64(i)}
	}

	mock.ExpectQuery("SELECT (.+) FROM (.+)").WillReturnRows(
		sqlmock.NewRows([]string{"ID", "Code", "Price"}).
			AddRow(int64(0), "a", []byte("1.00")))
	mock.ExpectQuery("SELECT (.+) FROM (.+)").WillReturnRows(
		sqlmock.NewRows([]string{"ID", "Code", "Price"}).
			AddRow(int64(2000), "b", []byte("2.00")))

	out, err := FetchRows(context.Background(), db, scanTable(), []string{"ID"}, keys)
	require.NoError(t, err)

	assert.Len(t, out, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchRowsQueryError(t *testing.T) {
	db, mock := newMockDB(t)

	query := "SELECT [ID], [Code], [Price]\n" +
		"FROM [dbo].[Items]\n" +
		"WHERE ([ID] = @p1)"
	mock.ExpectQuery(query).WillReturnError(fmt.Errorf("deadlock victim"))

	_, err := FetchRows(context.Background(), db, scanTable(), []string{"ID"}, []Key{{int64(1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch rows from [dbo].[Items]")
	assert.Contains(t, err.Error(), "deadlock victim")
}
