package delta

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
)

// binaryCollation pins ORDER BY on character key columns to a fixed
// byte-wise order. Server collations are usually case-insensitive and
// culture-sensitive; two databases could even disagree. The merge
// needs one order that both scans and CompareKeys share.
const binaryCollation = "Latin1_General_BIN2"

func isCharType(typeName string) bool {
	switch strings.ToLower(typeName) {
	case "char", "varchar", "nchar", "nvarchar", "text", "ntext":
		return true
	default:
		return false
	}
}

func isDecimalType(typeName string) bool {
	switch strings.ToUpper(typeName) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return true
	default:
		return false
	}
}

// orderByClause renders the key columns with the pinned collation on
// character columns. Always ascending.
func orderByClause(tbl *schema.Table, keyCols []string) string {
	parts := make([]string, len(keyCols))
	for i, name := range keyCols {
		quoted := schema.QuoteIdent(name)
		if c := tbl.Column(name); c != nil && isCharType(c.TypeName) {
			quoted += " COLLATE " + binaryCollation
		}
		parts[i] = quoted + " ASC"
	}
	return strings.Join(parts, ", ")
}

// probeQuery builds the scan statement: key columns plus one probe
// column (rowversion bytes or the hash fingerprint), filtered and
// ordered identically on both sides.
func probeQuery(tbl *schema.Table, keyCols []string, filter string, probeExpr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s AS probe\nFROM %s",
		schema.QuoteIdents(keyCols), probeExpr, tbl.Ref)
	if filter != "" {
		fmt.Fprintf(&b, "\nWHERE (%s)", filter)
	}
	fmt.Fprintf(&b, "\nORDER BY %s", orderByClause(tbl, keyCols))
	return b.String()
}

// probeRow is one scanned (key, probe) pair.
type probeRow struct {
	key   Key
	probe []byte
}

// probeScanner streams probe rows from one side.
type probeScanner struct {
	rows      *sql.Rows
	nkey      int
	isDecimal []bool
}

func openProbeScan(ctx context.Context, q mssql.Querier, query string, nkey int) (*probeScanner, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	isDecimal := make([]bool, nkey)
	if types, err := rows.ColumnTypes(); err == nil && len(types) >= nkey {
		for i := 0; i < nkey; i++ {
			isDecimal[i] = isDecimalType(types[i].DatabaseTypeName())
		}
	}
	return &probeScanner{rows: rows, nkey: nkey, isDecimal: isDecimal}, nil
}

// next returns the following row, or nil at the end of the stream.
func (s *probeScanner) next() (*probeRow, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	key := make(Key, s.nkey)
	dest := make([]any, s.nkey+1)
	for i := range key {
		dest[i] = &key[i]
	}
	var probe []byte
	dest[s.nkey] = &probe

	if err := s.rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, v := range key {
		if b, ok := v.([]byte); ok && s.isDecimal[i] {
			key[i] = Decimal(b)
		}
	}
	return &probeRow{key: key, probe: probe}, nil
}

func (s *probeScanner) close() error {
	return s.rows.Close()
}
