package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/schema"
)

func tableWithRowversion(t *testing.T) *schema.Table {
	t.Helper()
	return &schema.Table{
		Ref: schema.TableRef{Schema: "dbo", Name: "Orders"},
		Columns: []schema.Column{
			{Ordinal: 1, Name: "OrderID", Kind: schema.KindIdentity, TypeName: "int"},
			{Ordinal: 2, Name: "Amount", Kind: schema.KindRegular, TypeName: "decimal", Precision: 18, Scale: 2},
			{Ordinal: 3, Name: "RV", Kind: schema.KindRowversion, TypeName: "timestamp"},
		},
		PrimaryKey: &schema.PrimaryKey{
			Name:    "PK_Orders",
			Columns: []schema.IndexColumn{{Name: "OrderID"}},
		},
	}
}

func tableWithoutRowversion(t *testing.T) *schema.Table {
	t.Helper()
	tbl := tableWithRowversion(t)
	tbl.Columns = tbl.Columns[:2]
	return tbl
}

func TestSelectHashWhenNoRowversion(t *testing.T) {
	dec := Select(tableWithoutRowversion(t), nil)

	assert.Equal(t, ledger.StrategyHash, dec.Strategy)
	assert.Empty(t, dec.RowversionColumn)
	assert.False(t, dec.Initial)
	assert.Nil(t, dec.HighWater)
	assert.Equal(t, "HASH", dec.Label())
}

func TestSelectInitialWhenNoEntry(t *testing.T) {
	dec := Select(tableWithRowversion(t), nil)

	assert.Equal(t, ledger.StrategyRowversion, dec.Strategy)
	assert.Equal(t, "RV", dec.RowversionColumn)
	assert.True(t, dec.Initial)
	assert.Equal(t, make([]byte, 8), dec.HighWater)
	assert.Equal(t, "ROWVERSION-INITIAL", dec.Label())
}

func TestSelectResumesFromStoredMark(t *testing.T) {
	mark := []byte{0, 0, 0, 0, 0, 0, 0x12, 0x34}
	entry := &ledger.Entry{
		Strategy:             ledger.StrategyRowversion,
		RowversionColumn:     "rv",
		LastRowversionSynced: mark,
	}

	dec := Select(tableWithRowversion(t), entry)

	require.Equal(t, ledger.StrategyRowversion, dec.Strategy)
	assert.False(t, dec.Initial)
	assert.Equal(t, mark, dec.HighWater)
	assert.Equal(t, "ROWVERSION", dec.Label())
}

func TestSelectRestartsWhenMarkUnusable(t *testing.T) {
	tbl := tableWithRowversion(t)

	tests := []struct {
		name  string
		entry *ledger.Entry
	}{
		{"strategy changed", &ledger.Entry{
			Strategy:             ledger.StrategyHash,
			RowversionColumn:     "RV",
			LastRowversionSynced: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}},
		{"column renamed", &ledger.Entry{
			Strategy:             ledger.StrategyRowversion,
			RowversionColumn:     "OldRV",
			LastRowversionSynced: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}},
		{"mark truncated", &ledger.Entry{
			Strategy:             ledger.StrategyRowversion,
			RowversionColumn:     "RV",
			LastRowversionSynced: []byte{1, 2},
		}},
		{"mark missing", &ledger.Entry{
			Strategy:         ledger.StrategyRowversion,
			RowversionColumn: "RV",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := Select(tbl, tt.entry)

			assert.True(t, dec.Initial)
			assert.Equal(t, make([]byte, 8), dec.HighWater)
		})
	}
}
