// Package schema models SQL Server table structure: columns with their
// variant kinds (regular, identity, computed, rowversion), keys,
// indexes, constraints and triggers, plus the DDL rendering and
// dependency ordering built on top of that model.
//
// The model is deliberately dumb: it holds what the catalog reader
// found, exactly as found. Interpretation (which columns are writable,
// which participate in updates) lives in small helpers so the delta
// and apply layers share one answer.
package schema

import (
	"fmt"
	"strings"
)

// TableRef identifies a table as schema + name. The zero value is not
// a valid ref.
type TableRef struct {
	Schema string
	Name   string
}

// String renders the bracket-quoted two-part name, e.g. [dbo].[Orders].
func (r TableRef) String() string {
	return QuoteIdent(r.Schema) + "." + QuoteIdent(r.Name)
}

// Key is a stable map key; SQL Server resolves identifiers
// case-insensitively, so the key folds case.
func (r TableRef) Key() string {
	return strings.ToLower(r.Schema) + "." + strings.ToLower(r.Name)
}

// Equal compares refs the way the server does, ignoring case.
func (r TableRef) Equal(o TableRef) bool {
	return strings.EqualFold(r.Schema, o.Schema) && strings.EqualFold(r.Name, o.Name)
}

// ParseRef parses "schema.table" or a bare "table" (schema defaults to
// dbo). Surrounding brackets on either part are accepted and stripped.
func ParseRef(s string) (TableRef, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return TableRef{}, fmt.Errorf("empty table name")
	}
	parts := strings.SplitN(trimmed, ".", 2)
	ref := TableRef{Schema: "dbo"}
	if len(parts) == 2 {
		ref.Schema = unquoteIdent(parts[0])
		ref.Name = unquoteIdent(parts[1])
	} else {
		ref.Name = unquoteIdent(parts[0])
	}
	if ref.Schema == "" || ref.Name == "" {
		return TableRef{}, fmt.Errorf("invalid table name %q", s)
	}
	return ref, nil
}

// QuoteIdent bracket-quotes an identifier, escaping closing brackets.
func QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QuoteIdents quotes a list and joins with ", ".
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = strings.ReplaceAll(s[1:len(s)-1], "]]", "]")
	}
	return s
}
