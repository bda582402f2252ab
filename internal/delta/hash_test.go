package delta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/espejo-db/espejo/internal/schema"
)

func TestHashExprConversionStyles(t *testing.T) {
	cols := []schema.Column{
		{Name: "ID", TypeName: "int"},
		{Name: "Blob", TypeName: "varbinary"},
		{Name: "When", TypeName: "datetime2"},
		{Name: "Ratio", TypeName: "float"},
	}

	want := "HASHBYTES('SHA2_256', CONCAT_WS(NCHAR(9246), " +
		"COALESCE(CONVERT(NVARCHAR(MAX), [ID]), NCHAR(9216)), " +
		"COALESCE(CONVERT(NVARCHAR(MAX), [Blob], 2), NCHAR(9216)), " +
		"COALESCE(CONVERT(NVARCHAR(MAX), [When], 126), NCHAR(9216)), " +
		"COALESCE(CONVERT(NVARCHAR(MAX), [Ratio], 3), NCHAR(9216))))"
	assert.Equal(t, want, HashExpr(cols))
}

func TestHashExprSingleColumnPads(t *testing.T) {
	expr := HashExpr([]schema.Column{{Name: "A", TypeName: "int"}})

	// CONCAT_WS needs two arguments, so a lone column gets an empty
	// string companion.
	assert.True(t, strings.HasSuffix(expr, ", N''))"), expr)
}
