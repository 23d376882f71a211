package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"envsync/pkg/ddl"
	"envsync/pkg/report"
)

// Provisioner makes sure every managed table exists on the target
type Provisioner struct {
	source  *Introspector
	target  *sql.DB
	schema  string
	workers int
	log     *zap.Logger

	once    sync.Once
	columns []ColumnRow
	loadErr error
}

// NewProvisioner creates a provisioner probing at most workers tables at once
func NewProvisioner(source *Introspector, target *sql.DB, schema string, workers int, log *zap.Logger) *Provisioner {
	if workers <= 0 {
		workers = 1
	}
	return &Provisioner{source: source, target: target, schema: schema, workers: workers, log: log.Named("provision")}
}

type provisionResult struct {
	details string
	err     error
}

// Provision checks each table and creates the missing ones from the source layout.
// Operations are recorded in table order once all checks have finished.
func (p *Provisioner) Provision(ctx context.Context, tables []string, rec *report.Recorder) {
	results := make([]provisionResult, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			details, err := p.provisionTable(gctx, table)
			results[i] = provisionResult{details: details, err: err}
			// per-table failures never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()

	for i, table := range tables {
		op := "create_table_" + table
		if results[i].err != nil {
			p.log.Warn("table provisioning failed", zap.String("table", table), zap.Error(results[i].err))
			rec.Error(op, results[i].err)
			continue
		}
		rec.Success(op, results[i].details)
	}
}

func (p *Provisioner) provisionTable(ctx context.Context, table string) (string, error) {
	_, err := p.target.ExecContext(ctx, ddl.CheckTable{Schema: p.schema, Table: table}.SQL())
	if err == nil {
		return fmt.Sprintf("table %s exists", table), nil
	}
	if !IsUndefinedTable(err) {
		return "", fmt.Errorf("failed to check %s: %w", table, err)
	}

	columns, err := p.sourceColumns(ctx)
	if err != nil {
		return "", err
	}
	desc, ok := Describe(columns, table)
	if !ok {
		return "", fmt.Errorf("table %s not found in source schema %s", table, p.schema)
	}

	stmt := ddl.CreateTableFromDescriptor(p.schema, desc)
	if _, err := p.target.ExecContext(ctx, stmt.SQL()); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", table, err)
	}

	p.log.Info("created table", zap.String("table", table), zap.Int("columns", len(desc.Columns)))
	return fmt.Sprintf("table %s created with %d columns", table, len(desc.Columns)), nil
}

// sourceColumns introspects the source at most once per provisioner
func (p *Provisioner) sourceColumns(ctx context.Context) ([]ColumnRow, error) {
	p.once.Do(func() {
		p.columns, p.loadErr = p.source.Columns(ctx)
	})
	return p.columns, p.loadErr
}
