package schema

import (
	"fmt"
	"strings"
)

// ColumnKind tags the column variants that change replication
// behavior. Regular and identity columns carry data; computed and
// rowversion columns are structural only and are never written.
type ColumnKind int

const (
	KindRegular ColumnKind = iota
	KindIdentity
	KindComputed
	KindRowversion
)

func (k ColumnKind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindComputed:
		return "computed"
	case KindRowversion:
		return "rowversion"
	default:
		return "regular"
	}
}

// Column is one column as the catalog describes it. MaxLength is the
// raw sys.columns value (bytes, -1 for MAX); rendering halves it for
// nchar/nvarchar.
type Column struct {
	Ordinal   int
	Name      string
	Kind      ColumnKind
	TypeName  string
	MaxLength int
	Precision int
	Scale     int
	Nullable  bool
	Collation string

	// Identity columns
	IdentitySeed      int64
	IdentityIncrement int64

	// Computed columns
	ComputedExpr      string
	ComputedPersisted bool

	// Bound default constraint, if any
	DefaultName string
	DefaultExpr string
}

// IsWritable reports whether the column can appear in INSERT/UPDATE
// column lists. Computed and rowversion columns are server-maintained.
func (c Column) IsWritable() bool {
	return c.Kind == KindRegular || c.Kind == KindIdentity
}

// IndexColumn is one key column of an index or primary key.
type IndexColumn struct {
	Name       string
	Descending bool
}

// PrimaryKey is the PK constraint with its backing index kind.
type PrimaryKey struct {
	Name      string
	Clustered bool
	Columns   []IndexColumn
}

// ColumnNames returns the key columns in key order.
func (pk *PrimaryKey) ColumnNames() []string {
	names := make([]string, len(pk.Columns))
	for i, c := range pk.Columns {
		names[i] = c.Name
	}
	return names
}

// UniqueConstraint is a UNIQUE constraint (distinct from a plain
// unique index: it is dropped/created via ALTER TABLE).
type UniqueConstraint struct {
	Name      string
	Clustered bool
	Columns   []IndexColumn
}

// Index is a non-constraint index.
type Index struct {
	Name       string
	Clustered  bool
	Unique     bool
	Keys       []IndexColumn
	Include    []string
	Filter     string
	FillFactor int
}

// ForeignKey references another table. OnDelete/OnUpdate hold the
// catalog action descriptions (NO_ACTION, CASCADE, SET_NULL,
// SET_DEFAULT).
type ForeignKey struct {
	Name       string
	Columns    []string
	RefTable   TableRef
	RefColumns []string
	OnDelete   string
	OnUpdate   string
	Disabled   bool
}

// CheckConstraint is a CHECK with its definition text.
type CheckConstraint struct {
	Name     string
	Expr     string
	Disabled bool
}

// Trigger carries the full CREATE TRIGGER definition from
// OBJECT_DEFINITION, replayed verbatim on the destination.
type Trigger struct {
	Name       string
	Definition string
	InsteadOf  bool
	Disabled   bool
}

// Table is the complete structural description of one table.
type Table struct {
	Ref         TableRef
	Columns     []Column
	PrimaryKey  *PrimaryKey
	Uniques     []UniqueConstraint
	Indexes     []Index
	ForeignKeys []ForeignKey
	Checks      []CheckConstraint
	Triggers    []Trigger
}

// Column finds a column by name, case-insensitively. Returns nil when
// absent.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i]
		}
	}
	return nil
}

// DataColumns returns the writable columns in ordinal order: regular
// and identity, excluding computed and rowversion.
func (t *Table) DataColumns() []Column {
	cols := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.IsWritable() {
			cols = append(cols, c)
		}
	}
	return cols
}

// UpdatableColumns returns the columns an UPDATE may set: writable
// columns minus the effective key and minus identity columns (identity
// values cannot be updated, only inserted under IDENTITY_INSERT).
func (t *Table) UpdatableColumns(key []string) []Column {
	keySet := make(map[string]bool, len(key))
	for _, k := range key {
		keySet[strings.ToLower(k)] = true
	}
	var cols []Column
	for _, c := range t.DataColumns() {
		if keySet[strings.ToLower(c.Name)] {
			continue
		}
		if c.Kind == KindIdentity {
			continue
		}
		cols = append(cols, c)
	}
	return cols
}

// HasIdentity reports whether any column is an identity column.
func (t *Table) HasIdentity() bool {
	for _, c := range t.Columns {
		if c.Kind == KindIdentity {
			return true
		}
	}
	return false
}

// RowversionColumn returns the table's rowversion column, or nil. A
// table can carry at most one.
func (t *Table) RowversionColumn() *Column {
	for i := range t.Columns {
		if t.Columns[i].Kind == KindRowversion {
			return &t.Columns[i]
		}
	}
	return nil
}

// Validate checks internal consistency: key, index and constraint
// column references must resolve to real columns.
func (t *Table) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Ref)
	}
	check := func(where, name string) error {
		if t.Column(name) == nil {
			return fmt.Errorf("table %s: %s references unknown column %q", t.Ref, where, name)
		}
		return nil
	}
	if t.PrimaryKey != nil {
		for _, c := range t.PrimaryKey.Columns {
			if err := check("primary key "+t.PrimaryKey.Name, c.Name); err != nil {
				return err
			}
		}
	}
	for _, u := range t.Uniques {
		for _, c := range u.Columns {
			if err := check("unique constraint "+u.Name, c.Name); err != nil {
				return err
			}
		}
	}
	for _, ix := range t.Indexes {
		for _, c := range ix.Keys {
			if err := check("index "+ix.Name, c.Name); err != nil {
				return err
			}
		}
		for _, c := range ix.Include {
			if err := check("index "+ix.Name, c); err != nil {
				return err
			}
		}
	}
	for _, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			if err := check("foreign key "+fk.Name, c); err != nil {
				return err
			}
		}
		if len(fk.Columns) != len(fk.RefColumns) {
			return fmt.Errorf("table %s: foreign key %s has mismatched column counts", t.Ref, fk.Name)
		}
	}
	return nil
}
