// Package datasync copies table contents from the source to the target database.
package datasync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"envsync/pkg/ddl"
	"envsync/pkg/manifest"
	"envsync/pkg/report"
)

const (
	defaultBatchSize = 100
	// Postgres caps a statement at 65535 bind parameters
	maxBindParams = 65535
)

// Engine replaces each target table's rows with the source rows. Tables are
// processed one at a time in the order given.
type Engine struct {
	source    *sql.DB
	target    *sql.DB
	schema    string
	batchSize int
	log       *zap.Logger
}

// NewEngine creates an engine inserting batchSize rows per statement
func NewEngine(source, target *sql.DB, schema string, batchSize int, log *zap.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Engine{source: source, target: target, schema: schema, batchSize: batchSize, log: log.Named("datasync")}
}

// SyncTables records one sync_table_<name> operation per table
func (e *Engine) SyncTables(ctx context.Context, tables []manifest.Table, rec *report.Recorder) {
	for _, t := range tables {
		op := "sync_table_" + t.Name
		res := e.SyncTable(ctx, t)
		switch {
		case res.Err != nil:
			e.log.Warn("table sync failed", zap.String("table", t.Name), zap.Int64("written", res.Written), zap.Error(res.Err))
			rec.ErrorCount(op, res.Err, res.Written)
		case res.Fetched == 0:
			rec.SuccessCount(op, fmt.Sprintf("no rows in source table %s", t.Name), 0)
		default:
			e.log.Info("table synced", zap.String("table", t.Name), zap.Int64("rows", res.Written))
			rec.SuccessCount(op, fmt.Sprintf("synced %d rows", res.Written), res.Written)
		}
	}
}

// Result is the outcome of one table sync
type Result struct {
	Fetched int64
	Written int64
	Err     error
}

// rowSet is a fully fetched source table
type rowSet struct {
	columns []string
	rows    [][]interface{}
}

// SyncTable fetches all source rows, clears the target table and inserts in batches.
// A failed batch is retried once as an upsert on the table's key.
func (e *Engine) SyncTable(ctx context.Context, t manifest.Table) Result {
	set, err := e.fetch(ctx, t.Name)
	if err != nil {
		return Result{Err: err}
	}
	res := Result{Fetched: int64(len(set.rows))}
	if res.Fetched == 0 {
		return res
	}

	if _, err := e.target.ExecContext(ctx, ddl.DeleteAll{Schema: e.schema, Table: t.Name}.SQL()); err != nil {
		// the upsert fallback still converges rows that could not be deleted
		e.log.Warn("failed to clear target table", zap.String("table", t.Name), zap.Error(err))
	}

	var failures []string
	size := rowsPerStatement(e.batchSize, len(set.columns))
	batches := (len(set.rows) + size - 1) / size
	for b := 0; b < batches; b++ {
		start := b * size
		end := start + size
		if end > len(set.rows) {
			end = len(set.rows)
		}
		batch := set.rows[start:end]

		if err := e.writeBatch(ctx, t, set.columns, batch); err != nil {
			failures = append(failures, fmt.Sprintf("batch %d/%d: %v", b+1, batches, err))
			continue
		}
		res.Written += int64(len(batch))
	}

	if len(failures) > 0 {
		res.Err = fmt.Errorf("wrote %d of %d rows, %d batches failed: %s",
			res.Written, res.Fetched, len(failures), strings.Join(failures, "; "))
	}
	return res
}

func (e *Engine) writeBatch(ctx context.Context, t manifest.Table, columns []string, batch [][]interface{}) error {
	args := make([]interface{}, 0, len(columns)*len(batch))
	for _, row := range batch {
		args = append(args, row...)
	}

	insert := ddl.Insert{Schema: e.schema, Table: t.Name, Columns: columns, Rows: len(batch)}
	_, err := e.target.ExecContext(ctx, insert.SQL(), args...)
	if err == nil {
		return nil
	}
	e.log.Debug("batch insert failed, retrying as upsert", zap.String("table", t.Name), zap.Error(err))

	upsert := ddl.Upsert{Insert: insert, ConflictColumns: t.Key()}
	if err := e.upsert(ctx, t.Name, upsert.SQL(), args); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// upsert runs the statement with user triggers disabled so BEFORE UPDATE
// triggers (updated_at stamps) keep the copied values. Without the privilege
// to change session_replication_role it runs the statement plainly.
func (e *Engine) upsert(ctx context.Context, table, stmt string, args []interface{}) error {
	tx, err := e.target.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SET LOCAL session_replication_role = replica"); err != nil {
		tx.Rollback()
		e.log.Warn("cannot disable triggers for upsert, updated_at columns may be rewritten",
			zap.String("table", table), zap.Error(err))
		_, err = e.target.ExecContext(ctx, stmt, args...)
		return err
	}

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// rowsPerStatement bounds the batch size by the bind parameter limit
func rowsPerStatement(batchSize, columns int) int {
	if columns <= 0 {
		return batchSize
	}
	if limit := maxBindParams / columns; batchSize > limit {
		return limit
	}
	return batchSize
}

func (e *Engine) fetch(ctx context.Context, table string) (*rowSet, error) {
	rows, err := e.source.QueryContext(ctx, ddl.SelectAll{Schema: e.schema, Table: table}.SQL())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	binary := binaryColumns(rows, len(columns))

	set := &rowSet{columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		set.rows = append(set.rows, normalize(values, binary))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return set, nil
}

// binaryColumns marks the bytea columns of a result
func binaryColumns(rows *sql.Rows, n int) []bool {
	binary := make([]bool, n)
	types, err := rows.ColumnTypes()
	if err != nil {
		return binary
	}
	for i, ct := range types {
		binary[i] = strings.EqualFold(ct.DatabaseTypeName(), "BYTEA")
	}
	return binary
}

// normalize re-binds textual values that the driver returned as raw bytes
// (uuid, numeric, json, text) as strings so they round-trip as text parameters
func normalize(values []interface{}, binary []bool) []interface{} {
	for i, v := range values {
		if b, ok := v.([]byte); ok && !binary[i] {
			values[i] = string(b)
		}
	}
	return values
}
