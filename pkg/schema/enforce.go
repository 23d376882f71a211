package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"envsync/pkg/ddl"
	"envsync/pkg/manifest"
	"envsync/pkg/report"
)

const (
	primaryKeyExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM pg_catalog.pg_constraint con
  JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
  JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
  WHERE n.nspname = $1 AND c.relname = $2 AND con.contype = 'p')`

	uniqueExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM pg_catalog.pg_constraint con
  JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
  JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
  JOIN pg_catalog.pg_attribute a ON a.attrelid = c.oid AND a.attnum = con.conkey[1]
  WHERE n.nspname = $1 AND c.relname = $2 AND con.contype IN ('p', 'u')
    AND array_length(con.conkey, 1) = 1 AND a.attname = $3)`

	constraintExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM pg_catalog.pg_constraint con
  JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
  JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
  WHERE n.nspname = $1 AND c.relname = $2 AND con.conname = $3)`

	rlsEnabledQuery = `
SELECT c.relrowsecurity FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2`

	policyExistsQuery = `
SELECT EXISTS (
  SELECT 1 FROM pg_catalog.pg_policies
  WHERE schemaname = $1 AND tablename = $2 AND policyname = $3)`
)

// Policy kinds created on tables with an owner column
const (
	PolicyOwnerRead   = "owner_read"
	PolicyAdminRead   = "admin_read"
	PolicyOwnerInsert = "owner_insert"
	PolicyOwnerUpdate = "owner_update"
)

// PolicyKinds lists the policy kinds in creation order
var PolicyKinds = []string{PolicyOwnerRead, PolicyAdminRead, PolicyOwnerInsert, PolicyOwnerUpdate}

// Enforcer adds the keys, constraints, row-level security and policies the
// manifest asks for. Every block checks the catalog first, so reruns only
// report what already exists.
type Enforcer struct {
	db       *sql.DB
	manifest *manifest.Manifest
	log      *zap.Logger
}

// NewEnforcer creates an enforcer for the target database
func NewEnforcer(db *sql.DB, m *manifest.Manifest, log *zap.Logger) *Enforcer {
	return &Enforcer{db: db, manifest: m, log: log.Named("enforce")}
}

// Enforce runs every guarded block, recording one operation per block
func (e *Enforcer) Enforce(ctx context.Context, rec *report.Recorder) {
	schema := e.manifest.Schema

	for _, t := range e.manifest.Tables {
		e.guarded(ctx, rec, "primary_key_"+t.Name,
			func() (bool, error) { return e.exists(ctx, primaryKeyExistsQuery, schema, t.Name) },
			ddl.AddPrimaryKey{Schema: schema, Table: t.Name, Columns: t.Key()},
			"primary key exists", "primary key added")
	}

	for _, target := range e.manifest.UniqueTargets() {
		table, column := target[0], target[1]
		e.guarded(ctx, rec, fmt.Sprintf("unique_%s_%s", table, column),
			func() (bool, error) { return e.exists(ctx, uniqueExistsQuery, schema, table, column) },
			ddl.AddUnique{Schema: schema, Table: table, Constraint: ddl.UniqueConstraintName(table, column), Columns: []string{column}},
			"column already unique", "unique constraint added")
	}

	for _, fk := range e.manifest.ForeignKeys {
		fk := fk
		e.guarded(ctx, rec, "foreign_key_"+fk.Name,
			func() (bool, error) { return e.exists(ctx, constraintExistsQuery, schema, fk.Table, fk.Name) },
			ddl.AddForeignKey{
				Schema: schema, Table: fk.Table, Name: fk.Name, Columns: []string{fk.Column},
				RefTable: fk.RefTable, RefColumns: []string{fk.RefColumn}, OnDelete: fk.OnDelete,
			},
			"foreign key exists", "foreign key added")
	}

	for _, t := range e.manifest.Tables {
		e.guarded(ctx, rec, "enable_rls_"+t.Name,
			func() (bool, error) { return e.rlsEnabled(ctx, schema, t.Name) },
			ddl.EnableRLS{Schema: schema, Table: t.Name},
			"row level security already enabled", "row level security enabled")
	}

	for _, t := range e.manifest.Tables {
		if t.OwnerColumn == "" {
			continue
		}
		for _, kind := range PolicyKinds {
			op := fmt.Sprintf("policy_%s_%s", t.Name, kind)
			stmt, ok := e.policy(t, kind)
			if !ok {
				rec.Skipped(op, "no admin check configured")
				continue
			}
			e.guarded(ctx, rec, op,
				func() (bool, error) { return e.exists(ctx, policyExistsQuery, schema, t.Name, stmt.Name) },
				stmt, "policy exists", "policy created")
		}
	}
}

// PolicyName is the name given to a policy of the given kind
func PolicyName(table, kind string) string {
	return table + "_" + kind
}

func (e *Enforcer) policy(t manifest.Table, kind string) (ddl.CreatePolicy, bool) {
	owner := fmt.Sprintf("%s = %s", e.manifest.Policies.CurrentUser, ddl.QuoteIdent(t.OwnerColumn))
	p := ddl.CreatePolicy{Schema: e.manifest.Schema, Table: t.Name, Name: PolicyName(t.Name, kind)}

	switch kind {
	case PolicyOwnerRead:
		p.Command, p.Using = "select", owner
	case PolicyAdminRead:
		if e.manifest.Policies.AdminCheck == "" {
			return p, false
		}
		p.Command, p.Using = "select", e.manifest.Policies.AdminCheck
	case PolicyOwnerInsert:
		p.Command, p.WithCheck = "insert", owner
	case PolicyOwnerUpdate:
		p.Command, p.Using, p.WithCheck = "update", owner, owner
	default:
		return p, false
	}
	return p, true
}

// guarded runs check and applies stmt only when check reports false. A
// duplicate-object error from a concurrent creator counts as already present.
func (e *Enforcer) guarded(ctx context.Context, rec *report.Recorder, op string,
	check func() (bool, error), stmt ddl.Statement, existsMsg, appliedMsg string) {

	present, err := check()
	if err != nil {
		e.log.Warn("guard check failed", zap.String("operation", op), zap.Error(err))
		rec.Error(op, err)
		return
	}
	if present {
		rec.Success(op, existsMsg)
		return
	}

	if _, err := e.db.ExecContext(ctx, stmt.SQL()); err != nil {
		if IsDuplicate(err) {
			rec.Success(op, existsMsg)
			return
		}
		e.log.Warn("statement failed", zap.String("operation", op), zap.Error(err))
		rec.Error(op, err)
		return
	}

	e.log.Debug("applied", zap.String("operation", op))
	rec.Success(op, appliedMsg)
}

func (e *Enforcer) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var ok bool
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check catalog: %w", err)
	}
	return ok, nil
}

func (e *Enforcer) rlsEnabled(ctx context.Context, schema, table string) (bool, error) {
	var enabled bool
	err := e.db.QueryRowContext(ctx, rlsEnabledQuery, schema, table).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("table %s not found", table)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check row level security: %w", err)
	}
	return enabled, nil
}
