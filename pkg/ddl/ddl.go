// Package ddl renders the SQL statements the sync job issues against a target
// database. Every identifier passes through QuoteIdent, so callers never splice
// raw names into SQL themselves.
package ddl

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"envsync/pkg/models"
)

// Statement is anything that renders to a single SQL statement
type Statement interface {
	SQL() string
}

// QuoteIdent quotes a single identifier
func QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

// QualifiedName renders schema.name with both parts quoted. An empty schema is omitted.
func QualifiedName(schema, name string) string {
	if schema == "" {
		return QuoteIdent(name)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(name)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// quoteDotted quotes each dot-separated part of a possibly schema-qualified name
func quoteDotted(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// ColumnDef is one column of a CREATE TABLE statement
type ColumnDef struct {
	Name    string
	Type    string
	NotNull bool
	Default string
}

// CreateTable renders CREATE TABLE IF NOT EXISTS
type CreateTable struct {
	Schema  string
	Name    string
	Columns []ColumnDef
}

func (c CreateTable) SQL() string {
	cols := make([]string, 0, len(c.Columns))
	for _, col := range c.Columns {
		var b strings.Builder
		b.WriteString(QuoteIdent(col.Name))
		b.WriteString(" ")
		b.WriteString(col.Type)
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
		if col.Default != "" {
			b.WriteString(" DEFAULT ")
			b.WriteString(col.Default)
		}
		cols = append(cols, b.String())
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QualifiedName(c.Schema, c.Name), strings.Join(cols, ", "))
}

var serialTypes = map[string]string{
	"smallint": "smallserial",
	"integer":  "serial",
	"bigint":   "bigserial",
}

// CreateTableFromDescriptor converts an introspected table into a CreateTable.
// Integer columns fed by a sequence become serial columns so the statement does
// not reference a sequence the target may not have.
func CreateTableFromDescriptor(schema string, desc models.TableDescriptor) CreateTable {
	stmt := CreateTable{Schema: schema, Name: desc.TableName}
	for _, col := range desc.Columns {
		def := ColumnDef{Name: col.Name, Type: col.DataType, NotNull: !col.Nullable}
		if col.DefaultExpr != nil {
			def.Default = *col.DefaultExpr
		}
		if serial, ok := serialTypes[col.DataType]; ok && strings.HasPrefix(def.Default, "nextval(") {
			def.Type = serial
			def.Default = ""
		}
		stmt.Columns = append(stmt.Columns, def)
	}
	return stmt
}

// CheckTable renders a bounded read used to test whether a table exists
type CheckTable struct {
	Schema string
	Table  string
}

func (p CheckTable) SQL() string {
	return fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", QualifiedName(p.Schema, p.Table))
}

// AddPrimaryKey renders ALTER TABLE ... ADD PRIMARY KEY
type AddPrimaryKey struct {
	Schema  string
	Table   string
	Columns []string
}

func (a AddPrimaryKey) SQL() string {
	return fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", QualifiedName(a.Schema, a.Table), quoteList(a.Columns))
}

// AddUnique renders ALTER TABLE ... ADD CONSTRAINT ... UNIQUE
type AddUnique struct {
	Schema     string
	Table      string
	Constraint string
	Columns    []string
}

func (a AddUnique) SQL() string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
		QualifiedName(a.Schema, a.Table), QuoteIdent(a.Constraint), quoteList(a.Columns))
}

// UniqueConstraintName is the name given to constraints created by AddUnique
func UniqueConstraintName(table, column string) string {
	return table + "_" + column + "_key"
}

// AddForeignKey renders ALTER TABLE ... ADD CONSTRAINT ... FOREIGN KEY
type AddForeignKey struct {
	Schema     string
	Table      string
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

func (a AddForeignKey) SQL() string {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		QualifiedName(a.Schema, a.Table), QuoteIdent(a.Name), quoteList(a.Columns),
		QualifiedName(a.Schema, a.RefTable), quoteList(a.RefColumns))
	if a.OnDelete != "" {
		stmt += " ON DELETE " + strings.ToUpper(a.OnDelete)
	}
	return stmt
}

// EnableRLS renders ALTER TABLE ... ENABLE ROW LEVEL SECURITY
type EnableRLS struct {
	Schema string
	Table  string
}

func (e EnableRLS) SQL() string {
	return fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", QualifiedName(e.Schema, e.Table))
}

// CreatePolicy renders CREATE POLICY. Using and WithCheck are SQL expressions
// taken from the manifest and are emitted verbatim.
type CreatePolicy struct {
	Schema    string
	Table     string
	Name      string
	Command   string
	Using     string
	WithCheck string
}

func (c CreatePolicy) SQL() string {
	stmt := fmt.Sprintf("CREATE POLICY %s ON %s FOR %s",
		QuoteIdent(c.Name), QualifiedName(c.Schema, c.Table), strings.ToUpper(c.Command))
	if c.Using != "" {
		stmt += " USING (" + c.Using + ")"
	}
	if c.WithCheck != "" {
		stmt += " WITH CHECK (" + c.WithCheck + ")"
	}
	return stmt
}

// DropTrigger renders DROP TRIGGER IF EXISTS
type DropTrigger struct {
	Schema string
	Table  string
	Name   string
}

func (d DropTrigger) SQL() string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", QuoteIdent(d.Name), QualifiedName(d.Schema, d.Table))
}

// CreateTrigger renders CREATE TRIGGER ... EXECUTE FUNCTION
type CreateTrigger struct {
	Schema   string
	Table    string
	Name     string
	Timing   string
	Events   []string
	ForEach  string
	Function string
}

func (c CreateTrigger) SQL() string {
	forEach := c.ForEach
	if forEach == "" {
		forEach = "ROW"
	}
	events := make([]string, len(c.Events))
	for i, e := range c.Events {
		events[i] = strings.ToUpper(e)
	}
	return fmt.Sprintf("CREATE TRIGGER %s %s %s ON %s FOR EACH %s EXECUTE FUNCTION %s()",
		QuoteIdent(c.Name), strings.ToUpper(c.Timing), strings.Join(events, " OR "),
		QualifiedName(c.Schema, c.Table), strings.ToUpper(forEach), quoteDotted(c.Function))
}

// DeleteAll renders an unconditional DELETE
type DeleteAll struct {
	Schema string
	Table  string
}

func (d DeleteAll) SQL() string {
	return "DELETE FROM " + QualifiedName(d.Schema, d.Table)
}

// SelectAll renders SELECT * for a table
type SelectAll struct {
	Schema string
	Table  string
}

func (s SelectAll) SQL() string {
	return "SELECT * FROM " + QualifiedName(s.Schema, s.Table)
}

// Insert renders a multi-row INSERT with positional parameters
type Insert struct {
	Schema  string
	Table   string
	Columns []string
	Rows    int
}

func (i Insert) SQL() string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		QualifiedName(i.Schema, i.Table), quoteList(i.Columns), placeholders(len(i.Columns), i.Rows))
}

func placeholders(cols, rows int) string {
	tuples := make([]string, rows)
	n := 1
	for r := 0; r < rows; r++ {
		params := make([]string, cols)
		for c := 0; c < cols; c++ {
			params[c] = fmt.Sprintf("$%d", n)
			n++
		}
		tuples[r] = "(" + strings.Join(params, ", ") + ")"
	}
	return strings.Join(tuples, ", ")
}

// Upsert renders INSERT ... ON CONFLICT (keys) DO UPDATE for every non-key column
type Upsert struct {
	Insert
	ConflictColumns []string
}

func (u Upsert) SQL() string {
	keys := make(map[string]struct{}, len(u.ConflictColumns))
	for _, k := range u.ConflictColumns {
		keys[k] = struct{}{}
	}

	updates := make([]string, 0, len(u.Columns))
	for _, col := range u.Columns {
		if _, ok := keys[col]; ok {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", QuoteIdent(col), QuoteIdent(col)))
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) %s", u.Insert.SQL(), quoteList(u.ConflictColumns), action)
}
