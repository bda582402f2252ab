package catalog

import (
	"context"
	"strings"

	"github.com/espejo-db/espejo/internal/schema"
)

func (r *Reader) readColumns(ctx context.Context, objectID int64) ([]schema.Column, error) {
	const q = `
SELECT
    c.column_id,
    c.name,
    t.name AS type_name,
    c.max_length,
    c.precision,
    c.scale,
    c.is_nullable,
    ISNULL(c.collation_name, ''),
    c.is_identity,
    c.is_computed,
    CONVERT(BIGINT, ISNULL(ic.seed_value, 0)),
    CONVERT(BIGINT, ISNULL(ic.increment_value, 0)),
    ISNULL(cc.definition, ''),
    ISNULL(cc.is_persisted, 0),
    ISNULL(df.name, ''),
    ISNULL(df.definition, '')
FROM sys.columns c
JOIN sys.types t ON c.user_type_id = t.user_type_id
LEFT JOIN sys.identity_columns ic ON ic.object_id = c.object_id AND ic.column_id = c.column_id
LEFT JOIN sys.computed_columns cc ON cc.object_id = c.object_id AND cc.column_id = c.column_id
LEFT JOIN sys.default_constraints df ON df.parent_object_id = c.object_id AND df.parent_column_id = c.column_id
WHERE c.object_id = @p1
ORDER BY c.column_id`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []schema.Column
	for rows.Next() {
		var (
			c                      schema.Column
			isIdentity, isComputed bool
			persisted              bool
		)
		if err := rows.Scan(
			&c.Ordinal, &c.Name, &c.TypeName, &c.MaxLength, &c.Precision, &c.Scale,
			&c.Nullable, &c.Collation, &isIdentity, &isComputed,
			&c.IdentitySeed, &c.IdentityIncrement,
			&c.ComputedExpr, &persisted, &c.DefaultName, &c.DefaultExpr,
		); err != nil {
			return nil, err
		}
		c.ComputedPersisted = persisted
		c.Kind = classifyColumn(c.TypeName, isIdentity, isComputed)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// classifyColumn picks the column variant. Rowversion wins over the
// other flags; a computed column cannot also be identity.
func classifyColumn(typeName string, isIdentity, isComputed bool) schema.ColumnKind {
	switch {
	case strings.EqualFold(typeName, "timestamp") || strings.EqualFold(typeName, "rowversion"):
		return schema.KindRowversion
	case isComputed:
		return schema.KindComputed
	case isIdentity:
		return schema.KindIdentity
	default:
		return schema.KindRegular
	}
}

// readKeyConstraints loads the PK and UNIQUE constraints in one pass
// over sys.key_constraints joined with their backing indexes.
func (r *Reader) readKeyConstraints(ctx context.Context, objectID int64, t *schema.Table) error {
	const q = `
SELECT
    kc.name,
    kc.type,
    i.type,
    c.name,
    ic.is_descending_key
FROM sys.key_constraints kc
JOIN sys.indexes i ON i.object_id = kc.parent_object_id AND i.index_id = kc.unique_index_id
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
WHERE kc.parent_object_id = @p1 AND ic.is_included_column = 0
ORDER BY kc.name, ic.key_ordinal`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return err
	}
	defer rows.Close()

	uniques := make(map[string]*schema.UniqueConstraint)
	var uniqueOrder []string
	for rows.Next() {
		var (
			name, kcType string
			indexType    int
			colName      string
			descending   bool
		)
		if err := rows.Scan(&name, &kcType, &indexType, &colName, &descending); err != nil {
			return err
		}
		col := schema.IndexColumn{Name: colName, Descending: descending}
		clustered := indexType == 1
		switch strings.TrimSpace(kcType) {
		case "PK":
			if t.PrimaryKey == nil {
				t.PrimaryKey = &schema.PrimaryKey{Name: name, Clustered: clustered}
			}
			t.PrimaryKey.Columns = append(t.PrimaryKey.Columns, col)
		case "UQ":
			u, ok := uniques[name]
			if !ok {
				u = &schema.UniqueConstraint{Name: name, Clustered: clustered}
				uniques[name] = u
				uniqueOrder = append(uniqueOrder, name)
			}
			u.Columns = append(u.Columns, col)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range uniqueOrder {
		t.Uniques = append(t.Uniques, *uniques[name])
	}
	return nil
}

// readIndexes loads plain indexes: not PK-backing, not
// constraint-backing, not heaps, not hypothetical.
func (r *Reader) readIndexes(ctx context.Context, objectID int64) ([]schema.Index, error) {
	const q = `
SELECT
    i.name,
    i.type,
    i.is_unique,
    i.fill_factor,
    ISNULL(i.filter_definition, ''),
    c.name,
    ic.is_descending_key,
    ic.is_included_column
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
WHERE i.object_id = @p1
  AND i.type > 0
  AND i.is_primary_key = 0
  AND i.is_unique_constraint = 0
  AND i.is_hypothetical = 0
ORDER BY i.index_id, ic.is_included_column, ic.key_ordinal`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*schema.Index)
	var order []string
	for rows.Next() {
		var (
			name, filter, colName string
			indexType, fillFactor int
			unique                bool
			descending, included  bool
		)
		if err := rows.Scan(&name, &indexType, &unique, &fillFactor, &filter, &colName, &descending, &included); err != nil {
			return nil, err
		}
		ix, ok := byName[name]
		if !ok {
			ix = &schema.Index{
				Name:       name,
				Clustered:  indexType == 1,
				Unique:     unique,
				Filter:     filter,
				FillFactor: fillFactor,
			}
			byName[name] = ix
			order = append(order, name)
		}
		if included {
			ix.Include = append(ix.Include, colName)
		} else {
			ix.Keys = append(ix.Keys, schema.IndexColumn{Name: colName, Descending: descending})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]schema.Index, 0, len(order))
	for _, name := range order {
		indexes = append(indexes, *byName[name])
	}
	return indexes, nil
}

func (r *Reader) readForeignKeys(ctx context.Context, objectID int64) ([]schema.ForeignKey, error) {
	const q = `
SELECT
    fk.name,
    OBJECT_SCHEMA_NAME(fk.referenced_object_id),
    OBJECT_NAME(fk.referenced_object_id),
    fk.delete_referential_action_desc,
    fk.update_referential_action_desc,
    fk.is_disabled,
    pc.name,
    rc.name
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
WHERE fk.parent_object_id = @p1
ORDER BY fk.name, fkc.constraint_column_id`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*schema.ForeignKey)
	var order []string
	for rows.Next() {
		var name, refSchema, refName, onDelete, onUpdate, parentCol, referencedCol string
		var disabled bool
		if err := rows.Scan(&name, &refSchema, &refName, &onDelete, &onUpdate, &disabled, &parentCol, &referencedCol); err != nil {
			return nil, err
		}
		fk, ok := byName[name]
		if !ok {
			fk = &schema.ForeignKey{
				Name:     name,
				RefTable: schema.TableRef{Schema: refSchema, Name: refName},
				OnDelete: onDelete,
				OnUpdate: onUpdate,
				Disabled: disabled,
			}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, parentCol)
		fk.RefColumns = append(fk.RefColumns, referencedCol)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make([]schema.ForeignKey, 0, len(order))
	for _, name := range order {
		fks = append(fks, *byName[name])
	}
	return fks, nil
}

func (r *Reader) readChecks(ctx context.Context, objectID int64) ([]schema.CheckConstraint, error) {
	const q = `
SELECT name, definition, is_disabled
FROM sys.check_constraints
WHERE parent_object_id = @p1
ORDER BY name`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []schema.CheckConstraint
	for rows.Next() {
		var c schema.CheckConstraint
		if err := rows.Scan(&c.Name, &c.Expr, &c.Disabled); err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

func (r *Reader) readTriggers(ctx context.Context, objectID int64) ([]schema.Trigger, error) {
	const q = `
SELECT tr.name, ISNULL(OBJECT_DEFINITION(tr.object_id), ''), tr.is_instead_of_trigger, tr.is_disabled
FROM sys.triggers tr
WHERE tr.parent_id = @p1 AND tr.is_ms_shipped = 0
ORDER BY tr.name`

	rows, err := r.q.QueryContext(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []schema.Trigger
	for rows.Next() {
		var tr schema.Trigger
		if err := rows.Scan(&tr.Name, &tr.Definition, &tr.InsteadOf, &tr.Disabled); err != nil {
			return nil, err
		}
		// Encrypted trigger bodies come back empty; nothing to replay.
		if tr.Definition == "" {
			continue
		}
		triggers = append(triggers, tr)
	}
	return triggers, rows.Err()
}
