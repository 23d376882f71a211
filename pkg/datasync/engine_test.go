package datasync

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"envsync/pkg/manifest"
	"envsync/pkg/models"
	"envsync/pkg/report"
)

var replicaRole = regexp.QuoteMeta("SET LOCAL session_replication_role = replica")

func fundRows() *sqlmock.Rows {
	return sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("id").OfType("INT4", int64(0)),
		sqlmock.NewColumn("name").OfType("TEXT", ""),
	)
}

func newMocks(t *testing.T) (*Engine, sqlmock.Sqlmock, sqlmock.Sqlmock, func(int)) {
	t.Helper()
	src, smock, err := sqlmock.New()
	require.NoError(t, err)
	dst, dmock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		src.Close()
		dst.Close()
	})

	e := NewEngine(src, dst, "public", 100, zap.NewNop())
	setBatch := func(n int) { e.batchSize = n }
	return e, smock, dmock, setBatch
}

func TestSyncTableInsertsAllRows(t *testing.T) {
	e, smock, dmock, _ := newMocks(t)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."funds"`)).
		WillReturnRows(fundRows().
			AddRow(int64(1), []byte("Alpha")).
			AddRow(int64(2), []byte("Beta")).
			AddRow(int64(3), []byte("Gamma")))
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 5))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds" ("id", "name") VALUES ($1, $2), ($3, $4), ($5, $6)`)).
		WithArgs(int64(1), "Alpha", int64(2), "Beta", int64(3), "Gamma").
		WillReturnResult(sqlmock.NewResult(0, 3))

	rec := report.NewRecorder()
	e.SyncTables(context.Background(), []manifest.Table{{Name: "funds"}}, rec)

	ops := rec.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "sync_table_funds", ops[0].Operation)
	assert.Equal(t, models.StatusSuccess, ops[0].Status)
	require.NotNil(t, ops[0].RecordCount)
	assert.EqualValues(t, 3, *ops[0].RecordCount)

	assert.NoError(t, smock.ExpectationsWereMet())
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestSyncTableKeepsByteaAsBytes(t *testing.T) {
	e, smock, dmock, _ := newMocks(t)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."fund_documents"`)).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("UUID", ""),
			sqlmock.NewColumn("thumbnail").OfType("BYTEA", []byte{}),
		).AddRow([]byte("6f1c6a52-3f53-4a55-8f0e-8a1c2b3d4e5f"), []byte{0x00, 0xff}))
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."fund_documents"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."fund_documents"`)).
		WithArgs("6f1c6a52-3f53-4a55-8f0e-8a1c2b3d4e5f", []byte{0x00, 0xff}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := e.SyncTable(context.Background(), manifest.Table{Name: "fund_documents"})
	require.NoError(t, res.Err)
	assert.EqualValues(t, 1, res.Written)
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestSyncTableEmptySourceSkipsClear(t *testing.T) {
	e, smock, dmock, _ := newMocks(t)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."quiz_results"`)).WillReturnRows(fundRows())

	rec := report.NewRecorder()
	e.SyncTables(context.Background(), []manifest.Table{{Name: "quiz_results"}}, rec)

	op := rec.Operations()[0]
	assert.Equal(t, models.StatusSuccess, op.Status)
	assert.EqualValues(t, 0, *op.RecordCount)
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestSyncTablesIsolatesFetchFailure(t *testing.T) {
	e, smock, dmock, _ := newMocks(t)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."profiles"`)).
		WillReturnError(errors.New(`permission denied for table profiles`))
	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."funds"`)).
		WillReturnRows(fundRows().AddRow(int64(1), []byte("Alpha")))
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := report.NewRecorder()
	e.SyncTables(context.Background(), []manifest.Table{{Name: "profiles"}, {Name: "funds"}}, rec)

	ops := rec.Operations()
	require.Len(t, ops, 2)
	assert.Equal(t, models.StatusError, ops[0].Status)
	assert.Contains(t, ops[0].Details, "permission denied")
	assert.Equal(t, models.StatusSuccess, ops[1].Status)
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestSyncTableUpsertFallback(t *testing.T) {
	e, smock, dmock, setBatch := newMocks(t)
	setBatch(2)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."funds"`)).
		WillReturnRows(fundRows().
			AddRow(int64(1), []byte("Alpha")).
			AddRow(int64(2), []byte("Beta")).
			AddRow(int64(3), []byte("Gamma")))

	// clearing fails (rows still referenced), which is not fatal
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."funds"`)).WillReturnError(errors.New("violates foreign key constraint"))

	// batch 1: duplicate key, upsert succeeds with triggers disabled
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds" ("id", "name") VALUES ($1, $2), ($3, $4)`)).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	dmock.ExpectBegin()
	dmock.ExpectExec(replicaRole).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	dmock.ExpectCommit()

	// batch 2: fails both ways
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds" ("id", "name") VALUES ($1, $2)`)).
		WillReturnError(errors.New("value too long"))
	dmock.ExpectBegin()
	dmock.ExpectExec(replicaRole).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("id")`)).
		WillReturnError(errors.New("value too long"))
	dmock.ExpectRollback()

	rec := report.NewRecorder()
	e.SyncTables(context.Background(), []manifest.Table{{Name: "funds"}}, rec)

	op := rec.Operations()[0]
	assert.Equal(t, models.StatusError, op.Status)
	require.NotNil(t, op.RecordCount)
	assert.EqualValues(t, 2, *op.RecordCount)
	assert.Contains(t, op.Details, "batch 2/2")
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestUpsertWithoutReplicationRolePrivilege(t *testing.T) {
	e, smock, dmock, _ := newMocks(t)

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."funds"`)).
		WillReturnRows(fundRows().AddRow(int64(1), []byte("Alpha")))
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds" ("id", "name") VALUES ($1, $2)`)).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	dmock.ExpectBegin()
	dmock.ExpectExec(replicaRole).
		WillReturnError(errors.New(`permission denied to set parameter "session_replication_role"`))
	dmock.ExpectRollback()
	dmock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`)).
		WithArgs(int64(1), "Alpha").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res := e.SyncTable(context.Background(), manifest.Table{Name: "funds"})
	require.NoError(t, res.Err)
	assert.EqualValues(t, 1, res.Written)
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestRowsPerStatementRespectsBindLimit(t *testing.T) {
	assert.Equal(t, 100, rowsPerStatement(100, 12))
	assert.Equal(t, 21845, rowsPerStatement(50000, 3))
	assert.Equal(t, 65535, rowsPerStatement(70000, 1))
	assert.Equal(t, 100, rowsPerStatement(100, 0))
}

func TestSyncTableSplitsWideBatches(t *testing.T) {
	e, smock, dmock, setBatch := newMocks(t)
	setBatch(50000)

	cols := make([]*sqlmock.Column, 30000)
	for i := range cols {
		cols[i] = sqlmock.NewColumn(fmt.Sprintf("c%d", i)).OfType("INT4", int64(0))
	}
	rows := sqlmock.NewRowsWithColumnDefinition(cols...)
	for r := 0; r < 3; r++ {
		values := make([]driver.Value, len(cols))
		for i := range values {
			values[i] = int64(r)
		}
		rows.AddRow(values...)
	}

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."quiz_questions"`)).WillReturnRows(rows)
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."quiz_questions"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	// 30000 columns allow two rows per statement
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."quiz_questions"`)).WillReturnResult(sqlmock.NewResult(0, 2))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."quiz_questions"`)).WillReturnResult(sqlmock.NewResult(0, 1))

	res := e.SyncTable(context.Background(), manifest.Table{Name: "quiz_questions"})
	require.NoError(t, res.Err)
	assert.EqualValues(t, 3, res.Written)
	assert.NoError(t, dmock.ExpectationsWereMet())
}
