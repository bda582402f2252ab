package delta

import (
	"context"
	"fmt"
	"strings"

	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// maxQueryParams keeps fetch statements under the driver's 2100
// parameter ceiling, with headroom.
const maxQueryParams = 2000

// FetchRows pulls the full data rows for a batch of keys from one
// side, as OR-of-key-equality lookups chunked below the parameter
// cap. Row order is not defined; each row carries every writable
// column in ordinal order, with decimal values normalized to strings
// so they can be bound straight back as parameters.
func FetchRows(ctx context.Context, q mssql.Querier, tbl *schema.Table, keyCols []string, keys []Key) ([][]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	dataCols := tbl.DataColumns()
	colNames := make([]string, len(dataCols))
	decimalCol := make([]bool, len(dataCols))
	for i, c := range dataCols {
		colNames[i] = c.Name
		decimalCol[i] = isDecimalType(c.TypeName)
	}

	chunkSize := maxQueryParams / len(keyCols)
	if chunkSize < 1 {
		chunkSize = 1
	}

	out := make([][]any, 0, len(keys))
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		rows, err := fetchChunk(ctx, q, tbl, colNames, decimalCol, keyCols, keys[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetch rows from %s: %w", tbl.Ref, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func fetchChunk(ctx context.Context, q mssql.Querier, tbl *schema.Table, colNames []string, decimalCol []bool, keyCols []string, keys []Key) ([][]any, error) {
	preds := make([]string, len(keys))
	args := make([]any, 0, len(keys)*len(keyCols))
	p := 1
	for i, key := range keys {
		terms := make([]string, len(keyCols))
		for j, col := range keyCols {
			terms[j] = fmt.Sprintf("%s = @p%d", schema.QuoteIdent(col), p)
			args = append(args, key[j])
			p++
		}
		preds[i] = "(" + strings.Join(terms, " AND ") + ")"
	}

	query := fmt.Sprintf("SELECT %s\nFROM %s\nWHERE %s",
		schema.QuoteIdents(colNames), tbl.Ref, strings.Join(preds, " OR "))

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(colNames))
		dest := make([]any, len(colNames))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok && decimalCol[i] {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
