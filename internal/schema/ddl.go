package schema

import (
	"fmt"
	"strings"
)

// TypeString renders a column's declared type the way the catalog
// reports it: [nvarchar](128), [nvarchar](max), [decimal](18, 4),
// [datetime2](7), bare [int]. nchar/nvarchar lengths are stored in
// bytes and halve on the way out; -1 means MAX.
func TypeString(c Column) string {
	base := QuoteIdent(c.TypeName)
	switch strings.ToLower(c.TypeName) {
	case "char", "varchar", "binary", "varbinary":
		if c.MaxLength == -1 {
			return base + "(max)"
		}
		return fmt.Sprintf("%s(%d)", base, c.MaxLength)
	case "nchar", "nvarchar":
		if c.MaxLength == -1 {
			return base + "(max)"
		}
		return fmt.Sprintf("%s(%d)", base, c.MaxLength/2)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d, %d)", base, c.Precision, c.Scale)
	case "time", "datetime2", "datetimeoffset":
		return fmt.Sprintf("%s(%d)", base, c.Scale)
	default:
		return base
	}
}

// ColumnDef renders one column definition line for CREATE TABLE.
func ColumnDef(c Column) string {
	var b strings.Builder
	b.WriteString(QuoteIdent(c.Name))

	if c.Kind == KindComputed {
		b.WriteString(" AS ")
		b.WriteString(c.ComputedExpr)
		if c.ComputedPersisted {
			b.WriteString(" PERSISTED")
			if !c.Nullable {
				b.WriteString(" NOT NULL")
			}
		}
		return b.String()
	}

	b.WriteString(" ")
	b.WriteString(TypeString(c))
	if c.Collation != "" {
		b.WriteString(" COLLATE ")
		b.WriteString(c.Collation)
	}
	if c.Kind == KindIdentity {
		fmt.Fprintf(&b, " IDENTITY(%d,%d)", c.IdentitySeed, c.IdentityIncrement)
	}
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// ScriptOptions controls DDL emission.
type ScriptOptions struct {
	// OmitForeignKeys drops FK statements from the per-table script so
	// a batch can defer them until every referenced table exists.
	OmitForeignKeys bool
}

// CreateScript emits the full DDL for one table as an ordered list of
// standalone statements: CREATE TABLE, then key and unique
// constraints, indexes, checks, defaults, foreign keys, and finally
// triggers. Each element is its own batch (CREATE TRIGGER demands it).
func (t *Table) CreateScript(opts ScriptOptions) []string {
	var stmts []string

	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = "    " + ColumnDef(c)
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE %s (\n%s\n)", t.Ref, strings.Join(defs, ",\n")))

	if t.PrimaryKey != nil {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY %s (%s)",
			t.Ref, QuoteIdent(t.PrimaryKey.Name), clusteredWord(t.PrimaryKey.Clustered),
			indexColumnList(t.PrimaryKey.Columns)))
	}

	for _, u := range t.Uniques {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE %s (%s)",
			t.Ref, QuoteIdent(u.Name), clusteredWord(u.Clustered), indexColumnList(u.Columns)))
	}

	for _, ix := range t.Indexes {
		stmts = append(stmts, indexStatement(t.Ref, ix))
	}

	for _, ck := range t.Checks {
		if ck.Disabled {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s WITH NOCHECK ADD CONSTRAINT %s CHECK %s",
				t.Ref, QuoteIdent(ck.Name), ck.Expr))
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s NOCHECK CONSTRAINT %s",
				t.Ref, QuoteIdent(ck.Name)))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s WITH CHECK ADD CONSTRAINT %s CHECK %s",
				t.Ref, QuoteIdent(ck.Name), ck.Expr))
		}
	}

	for _, c := range t.Columns {
		if c.DefaultName == "" {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s DEFAULT %s FOR %s",
			t.Ref, QuoteIdent(c.DefaultName), c.DefaultExpr, QuoteIdent(c.Name)))
	}

	if !opts.OmitForeignKeys {
		stmts = append(stmts, t.ForeignKeyScript()...)
	}

	for _, tr := range t.Triggers {
		stmts = append(stmts, strings.TrimSpace(tr.Definition))
		if tr.Disabled {
			stmts = append(stmts, fmt.Sprintf("DISABLE TRIGGER %s ON %s", QuoteIdent(tr.Name), t.Ref))
		}
	}

	return stmts
}

// ForeignKeyScript emits just the FK statements for the table.
func (t *Table) ForeignKeyScript() []string {
	var stmts []string
	for _, fk := range t.ForeignKeys {
		var b strings.Builder
		with := "WITH CHECK"
		if fk.Disabled {
			with = "WITH NOCHECK"
		}
		fmt.Fprintf(&b, "ALTER TABLE %s %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			t.Ref, with, QuoteIdent(fk.Name), QuoteIdents(fk.Columns), fk.RefTable, QuoteIdents(fk.RefColumns))
		if action := referentialAction(fk.OnDelete); action != "" {
			b.WriteString(" ON DELETE " + action)
		}
		if action := referentialAction(fk.OnUpdate); action != "" {
			b.WriteString(" ON UPDATE " + action)
		}
		stmts = append(stmts, b.String())
		if fk.Disabled {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s NOCHECK CONSTRAINT %s",
				t.Ref, QuoteIdent(fk.Name)))
		}
	}
	return stmts
}

// MirrorScript emits DDL for a set of tables: CREATEs in dependency
// order with FKs held back, then every FK as a trailing ALTER. The
// deferral makes the script valid even when the FK graph has cycles.
func MirrorScript(tables []*Table) []string {
	levels := DependencyLevels(tables)
	var stmts []string
	for _, level := range levels {
		for _, t := range level {
			stmts = append(stmts, t.CreateScript(ScriptOptions{OmitForeignKeys: true})...)
		}
	}
	for _, level := range levels {
		for _, t := range level {
			stmts = append(stmts, t.ForeignKeyScript()...)
		}
	}
	return stmts
}

func clusteredWord(clustered bool) string {
	if clustered {
		return "CLUSTERED"
	}
	return "NONCLUSTERED"
}

func indexColumnList(cols []IndexColumn) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		dir := "ASC"
		if c.Descending {
			dir = "DESC"
		}
		parts[i] = QuoteIdent(c.Name) + " " + dir
	}
	return strings.Join(parts, ", ")
}

func indexStatement(ref TableRef, ix Index) string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if ix.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString(clusteredWord(ix.Clustered))
	fmt.Fprintf(&b, " INDEX %s ON %s (%s)", QuoteIdent(ix.Name), ref, indexColumnList(ix.Keys))
	if len(ix.Include) > 0 {
		fmt.Fprintf(&b, " INCLUDE (%s)", QuoteIdents(ix.Include))
	}
	if ix.Filter != "" {
		b.WriteString(" WHERE " + ix.Filter)
	}
	if ix.FillFactor > 0 {
		fmt.Fprintf(&b, " WITH (FILLFACTOR = %d)", ix.FillFactor)
	}
	return b.String()
}

func referentialAction(desc string) string {
	switch strings.ToUpper(desc) {
	case "CASCADE":
		return "CASCADE"
	case "SET_NULL":
		return "SET NULL"
	case "SET_DEFAULT":
		return "SET DEFAULT"
	default:
		// NO_ACTION is the server default; emitting nothing keeps the
		// script closer to what SSMS generates.
		return ""
	}
}
