package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"envsync/pkg/ddl"
	"envsync/pkg/manifest"
	"envsync/pkg/models"
	"envsync/pkg/report"
)

// Functions owned by an extension are recreated by the extension itself
const listFunctionsQuery = `
SELECT p.proname,
       pg_get_function_identity_arguments(p.oid),
       pg_get_functiondef(p.oid)
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1
  AND p.prokind = 'f'
  AND NOT EXISTS (
    SELECT 1 FROM pg_catalog.pg_depend d
    WHERE d.classid = 'pg_catalog.pg_proc'::regclass AND d.objid = p.oid AND d.deptype = 'e')
ORDER BY p.proname, 2`

const functionDefQuery = `
SELECT pg_get_functiondef(p.oid)
FROM pg_catalog.pg_proc p
JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1 AND p.proname = $2 AND pg_get_function_identity_arguments(p.oid) = $3`

// FunctionSync copies stored functions from source to target and recreates
// the manifest's triggers
type FunctionSync struct {
	source *sql.DB
	target *sql.DB
	schema string
	log    *zap.Logger
}

// NewFunctionSync creates a synchronizer for one schema
func NewFunctionSync(source, target *sql.DB, schema string, log *zap.Logger) *FunctionSync {
	return &FunctionSync{source: source, target: target, schema: schema, log: log.Named("functions")}
}

// ListFunctions returns the non-extension functions of the schema
func ListFunctions(ctx context.Context, db *sql.DB, schema string) ([]models.FunctionDefinition, error) {
	rows, err := db.QueryContext(ctx, listFunctionsQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	defer rows.Close()

	var out []models.FunctionDefinition
	for rows.Next() {
		var f models.FunctionDefinition
		if err := rows.Scan(&f.Name, &f.IdentityArgs, &f.Definition); err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read functions: %w", err)
	}
	return out, nil
}

// SyncFunctions applies every source function whose definition differs on the target
func (f *FunctionSync) SyncFunctions(ctx context.Context, rec *report.Recorder) {
	fns, err := ListFunctions(ctx, f.source, f.schema)
	if err != nil {
		f.log.Warn("function listing failed", zap.Error(err))
		rec.Error("sync_functions", err)
		return
	}

	for _, fn := range fns {
		op := "sync_function_" + fn.Name
		details, err := f.syncFunction(ctx, fn)
		if err != nil {
			f.log.Warn("function sync failed", zap.String("function", fn.Name), zap.Error(err))
			rec.Error(op, err)
			continue
		}
		rec.Success(op, details)
	}
}

func (f *FunctionSync) syncFunction(ctx context.Context, fn models.FunctionDefinition) (string, error) {
	signature := fmt.Sprintf("%s(%s)", fn.Name, fn.IdentityArgs)

	var current string
	err := f.target.QueryRowContext(ctx, functionDefQuery, f.schema, fn.Name, fn.IdentityArgs).Scan(&current)
	switch {
	case err == nil:
		if strings.TrimSpace(current) == strings.TrimSpace(fn.Definition) {
			return signature + " unchanged", nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", fmt.Errorf("failed to look up %s: %w", signature, err)
	}

	if _, err := f.target.ExecContext(ctx, fn.Definition); err != nil {
		return "", fmt.Errorf("failed to apply %s: %w", signature, err)
	}
	return signature + " applied", nil
}

// SyncTriggers drops and recreates each trigger inside its own transaction
func (f *FunctionSync) SyncTriggers(ctx context.Context, triggers []manifest.Trigger, rec *report.Recorder) {
	for _, t := range triggers {
		op := "trigger_" + t.Name
		if err := f.recreateTrigger(ctx, t); err != nil {
			f.log.Warn("trigger sync failed", zap.String("trigger", t.Name), zap.Error(err))
			rec.Error(op, err)
			continue
		}
		rec.Success(op, fmt.Sprintf("trigger %s on %s recreated", t.Name, t.Table))
	}
}

func (f *FunctionSync) recreateTrigger(ctx context.Context, t manifest.Trigger) (err error) {
	tx, err := f.target.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	drop := ddl.DropTrigger{Schema: f.schema, Table: t.Table, Name: t.Name}
	if _, err = tx.ExecContext(ctx, drop.SQL()); err != nil {
		return fmt.Errorf("failed to drop trigger: %w", err)
	}

	create := ddl.CreateTrigger{
		Schema: f.schema, Table: t.Table, Name: t.Name,
		Timing: t.Timing, Events: t.Events, Function: t.Function,
	}
	if _, err = tx.ExecContext(ctx, create.SQL()); err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger: %w", err)
	}
	return nil
}
