// Package schema reads table layouts from the source catalog and brings the
// target's tables, constraints, policies, functions and triggers in line.
package schema

import (
	"context"
	"database/sql"
	"fmt"

	"envsync/pkg/models"
)

const columnsQuery = `
SELECT c.relname,
       a.attname,
       format_type(a.atttypid, a.atttypmod),
       NOT a.attnotnull,
       pg_get_expr(d.adbin, d.adrelid)
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_catalog.pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
WHERE n.nspname = $1
  AND c.relkind IN ('r', 'p')
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY c.relname, a.attnum`

// ColumnRow is one row of the catalog column query
type ColumnRow struct {
	Table string
	models.Column
}

// Introspector reads column layouts from a database catalog
type Introspector struct {
	db     *sql.DB
	schema string
}

// NewIntrospector creates an introspector for one schema
func NewIntrospector(db *sql.DB, schema string) *Introspector {
	return &Introspector{db: db, schema: schema}
}

// Columns returns every column of every table in the schema, ordered by table then position
func (i *Introspector) Columns(ctx context.Context) ([]ColumnRow, error) {
	rows, err := i.db.QueryContext(ctx, columnsQuery, i.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var out []ColumnRow
	for rows.Next() {
		var (
			r   ColumnRow
			def sql.NullString
		)
		if err := rows.Scan(&r.Table, &r.Name, &r.DataType, &r.Nullable, &def); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if def.Valid {
			expr := def.String
			r.DefaultExpr = &expr
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return out, nil
}

// Describe picks one table out of a column listing. ok is false when the table has no columns.
func Describe(rows []ColumnRow, table string) (desc models.TableDescriptor, ok bool) {
	desc.TableName = table
	for _, r := range rows {
		if r.Table == table {
			desc.Columns = append(desc.Columns, r.Column)
		}
	}
	return desc, len(desc.Columns) > 0
}
