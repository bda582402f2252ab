package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    TableRef
		wantErr bool
	}{
		{"dbo.Orders", TableRef{"dbo", "Orders"}, false},
		{"Orders", TableRef{"dbo", "Orders"}, false},
		{"sales.Invoices", TableRef{"sales", "Invoices"}, false},
		{"[dbo].[Order Details]", TableRef{"dbo", "Order Details"}, false},
		{"  dbo.Orders  ", TableRef{"dbo", "Orders"}, false},
		{"", TableRef{}, true},
		{".", TableRef{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseRef(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseRef(%q)", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestTableRefString(t *testing.T) {
	ref := TableRef{Schema: "dbo", Name: "Order]Details"}
	assert.Equal(t, "[dbo].[Order]]Details]", ref.String())
}

func TestTableRefEqual(t *testing.T) {
	a := TableRef{"dbo", "Orders"}
	b := TableRef{"DBO", "orders"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(TableRef{"dbo", "Invoices"}))
}

func testTable() *Table {
	return &Table{
		Ref: TableRef{"dbo", "Orders"},
		Columns: []Column{
			{Ordinal: 1, Name: "OrderID", Kind: KindIdentity, TypeName: "int", IdentitySeed: 1, IdentityIncrement: 1},
			{Ordinal: 2, Name: "CustomerID", Kind: KindRegular, TypeName: "int"},
			{Ordinal: 3, Name: "Amount", Kind: KindRegular, TypeName: "decimal", Precision: 18, Scale: 2},
			{Ordinal: 4, Name: "Total", Kind: KindComputed, TypeName: "decimal", ComputedExpr: "([Amount]*(1.1))"},
			{Ordinal: 5, Name: "RV", Kind: KindRowversion, TypeName: "timestamp"},
		},
		PrimaryKey: &PrimaryKey{
			Name:      "PK_Orders",
			Clustered: true,
			Columns:   []IndexColumn{{Name: "OrderID"}},
		},
	}
}

func TestDataColumns(t *testing.T) {
	tbl := testTable()
	cols := tbl.DataColumns()
	require.Len(t, cols, 3)
	assert.Equal(t, "OrderID", cols[0].Name)
	assert.Equal(t, "CustomerID", cols[1].Name)
	assert.Equal(t, "Amount", cols[2].Name)
}

func TestUpdatableColumns(t *testing.T) {
	tbl := testTable()
	// PK and identity drop out; computed and rowversion were never in.
	cols := tbl.UpdatableColumns([]string{"OrderID"})
	require.Len(t, cols, 2)
	assert.Equal(t, "CustomerID", cols[0].Name)
	assert.Equal(t, "Amount", cols[1].Name)

	// Non-PK key: identity still excluded from updates.
	cols = tbl.UpdatableColumns([]string{"CustomerID"})
	require.Len(t, cols, 1)
	assert.Equal(t, "Amount", cols[0].Name)
}

func TestRowversionColumn(t *testing.T) {
	tbl := testTable()
	rv := tbl.RowversionColumn()
	require.NotNil(t, rv)
	assert.Equal(t, "RV", rv.Name)

	tbl.Columns = tbl.Columns[:4]
	assert.Nil(t, tbl.RowversionColumn())
}

func TestColumnLookupCaseInsensitive(t *testing.T) {
	tbl := testTable()
	require.NotNil(t, tbl.Column("orderid"))
	require.NotNil(t, tbl.Column("AMOUNT"))
	assert.Nil(t, tbl.Column("missing"))
}

func TestValidate(t *testing.T) {
	tbl := testTable()
	require.NoError(t, tbl.Validate())

	tbl.Indexes = []Index{{Name: "IX_Bad", Keys: []IndexColumn{{Name: "Nope"}}}}
	err := tbl.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IX_Bad")
	assert.Contains(t, err.Error(), "Nope")
}

func TestValidateForeignKeyArity(t *testing.T) {
	tbl := testTable()
	tbl.ForeignKeys = []ForeignKey{{
		Name:       "FK_Orders_Customers",
		Columns:    []string{"CustomerID"},
		RefTable:   TableRef{"dbo", "Customers"},
		RefColumns: []string{"CustomerID", "Region"},
	}}
	err := tbl.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched column counts")
}
