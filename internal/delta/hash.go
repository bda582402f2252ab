package delta

import (
	"fmt"
	"strings"

	"github.com/espejo-db/espejo/internal/schema"
)

// Unicode sentinels for the hash input: a field separator no real
// text column should contain, and a stand-in for NULL so that
// ("a", NULL) and ("aNULL", "") hash differently.
const (
	hashSeparator    = "NCHAR(9246)" // U+241E SYMBOL FOR RECORD SEPARATOR
	hashNullSentinel = "NCHAR(9216)" // U+2400 SYMBOL FOR NULL
)

// HashExpr builds the server-side row fingerprint: SHA2_256 over the
// sentinel-joined canonical text forms of every data column. Both
// sides evaluate the identical expression, so equal fingerprints mean
// equal rows without ever moving row contents over the wire.
func HashExpr(cols []schema.Column) string {
	exprs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		exprs = append(exprs, fmt.Sprintf("COALESCE(%s, %s)", canonicalText(c), hashNullSentinel))
	}
	if len(exprs) < 2 {
		// CONCAT_WS needs at least two arguments.
		exprs = append(exprs, "N''")
	}
	return fmt.Sprintf("HASHBYTES('SHA2_256', CONCAT_WS(%s, %s))",
		hashSeparator, strings.Join(exprs, ", "))
}

// canonicalText renders one column as NVARCHAR(MAX) with an explicit
// conversion style wherever the default style is ambiguous or lossy:
// hex for binary, ISO 8601 for the date/time family, and max-digit
// scientific notation for floats.
func canonicalText(c schema.Column) string {
	quoted := schema.QuoteIdent(c.Name)
	switch strings.ToLower(c.TypeName) {
	case "binary", "varbinary", "image":
		return fmt.Sprintf("CONVERT(NVARCHAR(MAX), %s, 2)", quoted)
	case "date", "time", "smalldatetime", "datetime", "datetime2", "datetimeoffset":
		return fmt.Sprintf("CONVERT(NVARCHAR(MAX), %s, 126)", quoted)
	case "float", "real":
		return fmt.Sprintf("CONVERT(NVARCHAR(MAX), %s, 3)", quoted)
	default:
		return fmt.Sprintf("CONVERT(NVARCHAR(MAX), %s)", quoted)
	}
}
