package core

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"envsync/pkg/connect"
	"envsync/pkg/manifest"
	"envsync/pkg/models"
	"envsync/pkg/report"
	"envsync/pkg/state"
	"envsync/pkg/storage"
)

type fakeConnector struct {
	envs    *connect.Environments
	err     error
	connect func()
}

func (f *fakeConnector) Connect(ctx context.Context) (*connect.Environments, error) {
	if f.connect != nil {
		f.connect()
	}
	return f.envs, f.err
}

func fundsManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(`
customTypes: [fund_risk_level]
tables:
  - name: funds
buckets: [fund-logos]
`))
	require.NoError(t, err)
	return m
}

func newEnvironments(t *testing.T, withStorage bool) (*connect.Environments, sqlmock.Sqlmock, sqlmock.Sqlmock, *storage.MemoryStore) {
	t.Helper()
	src, smock, err := sqlmock.New()
	require.NoError(t, err)
	dst, dmock, err := sqlmock.New()
	require.NoError(t, err)

	envs := &connect.Environments{
		Source: &connect.Endpoint{Name: "source", DB: src},
		Target: &connect.Endpoint{Name: "target", DB: dst},
	}
	smock.ExpectClose()
	dmock.ExpectClose()

	if !withStorage {
		return envs, smock, dmock, nil
	}
	srcStore, dstStore := storage.NewMemoryStore(), storage.NewMemoryStore()
	srcStore.Put("fund-logos", "x.png", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}, "image/png")
	envs.Source.Store = srcStore
	envs.Target.Store = dstStore
	return envs, smock, dmock, dstStore
}

func expectFundsRun(smock, dmock sqlmock.Sqlmock) {
	smock.MatchExpectationsInOrder(false)
	dmock.MatchExpectationsInOrder(false)

	dmock.ExpectExec(regexp.QuoteMeta(`SELECT 1 FROM "public"."funds" LIMIT 1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectQuery(regexp.QuoteMeta("con.contype = 'p')")).WithArgs("public", "funds").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	dmock.ExpectQuery(regexp.QuoteMeta("SELECT c.relrowsecurity")).WithArgs("public", "funds").
		WillReturnRows(sqlmock.NewRows([]string{"relrowsecurity"}).AddRow(true))
	smock.ExpectQuery(regexp.QuoteMeta("FROM pg_catalog.pg_proc p")).WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"proname", "args", "def"}))

	smock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."funds"`)).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("id").OfType("INT4", int64(0)),
			sqlmock.NewColumn("name").OfType("TEXT", ""),
		).
			AddRow(int64(1), []byte("Alpha")).
			AddRow(int64(2), []byte("Beta")).
			AddRow(int64(3), []byte("Gamma")))
	dmock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	dmock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."funds"`)).WillReturnResult(sqlmock.NewResult(0, 3))
}

func findOp(ops []models.SyncOperation, name string) (models.SyncOperation, bool) {
	for _, op := range ops {
		if op.Operation == name {
			return op, true
		}
	}
	return models.SyncOperation{}, false
}

func TestRunFatalWithoutConfiguration(t *testing.T) {
	sm := state.NewMemoryStateManager()
	svc := NewService(&fakeConnector{err: connect.ErrMissingConfiguration}, fundsManifest(t), sm, Options{}, zap.NewNop())

	rep, err := svc.Run(context.Background(), "http")
	require.ErrorIs(t, err, connect.ErrMissingConfiguration)
	require.NotNil(t, rep)
	assert.False(t, rep.Success)
	assert.Empty(t, rep.Operations)
	assert.NotEmpty(t, rep.RunID)

	run, err := sm.LoadRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, run.Status)
	assert.False(t, svc.Running())
}

func TestRunSyncsTablesWithoutStorage(t *testing.T) {
	envs, smock, dmock, _ := newEnvironments(t, false)
	expectFundsRun(smock, dmock)

	sm := state.NewMemoryStateManager()
	svc := NewService(&fakeConnector{envs: envs}, fundsManifest(t), sm, Options{}, zap.NewNop())

	rep, err := svc.Run(context.Background(), "http")
	require.NoError(t, err)

	op, ok := findOp(rep.Operations, "sync_table_funds")
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, op.Status)
	require.NotNil(t, op.RecordCount)
	assert.EqualValues(t, 3, *op.RecordCount)
	assert.EqualValues(t, 3, rep.TotalRecords)

	assert.Equal(t, StepCustomTypes, rep.Operations[0].Operation)
	assert.Equal(t, models.StatusSkipped, rep.Operations[0].Status)

	op, ok = findOp(rep.Operations, storage.OperationName)
	require.True(t, ok)
	assert.Equal(t, models.StatusSkipped, op.Status)

	assert.True(t, rep.Success)
	assert.Equal(t, 200, report.StatusCode(rep))

	run, err := sm.LoadRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, run.Status)

	assert.NoError(t, smock.ExpectationsWereMet())
	assert.NoError(t, dmock.ExpectationsWereMet())
}

func TestRunReplicatesStorage(t *testing.T) {
	envs, smock, dmock, dstStore := newEnvironments(t, true)
	expectFundsRun(smock, dmock)

	svc := NewService(&fakeConnector{envs: envs}, fundsManifest(t), nil, Options{StorageWorkers: 2}, zap.NewNop())

	rep, err := svc.Run(context.Background(), "http")
	require.NoError(t, err)

	op, ok := findOp(rep.Operations, storage.OperationName)
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, op.Status)

	exists, public := dstStore.HasBucket("fund-logos")
	assert.True(t, exists)
	assert.True(t, public)
	obj, ok := dstStore.Get("fund-logos", "x.png")
	require.True(t, ok)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}, obj.Body)
}

func TestRunRejectsOverlappingRuns(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	conn := &fakeConnector{
		err: connect.ErrMissingConfiguration,
		connect: func() {
			close(entered)
			<-release
		},
	}
	svc := NewService(conn, fundsManifest(t), nil, Options{}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(context.Background(), "http")
	}()

	<-entered
	assert.True(t, svc.Running())
	stats, ok := svc.Progress()
	require.True(t, ok)
	assert.Equal(t, 6, stats.TotalSteps)

	rep, err := svc.Run(context.Background(), "http")
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, rep)

	close(release)
	<-done
	assert.False(t, svc.Running())
	_, ok = svc.Progress()
	assert.False(t, ok)
}

func TestRecoverInterruptedMarksRunsFailed(t *testing.T) {
	sm := state.NewMemoryStateManager()
	ctx := context.Background()
	require.NoError(t, sm.SaveRun(ctx, &state.RunState{ID: "stale", Status: state.StatusRunning}))

	svc := NewService(&fakeConnector{}, fundsManifest(t), sm, Options{}, zap.NewNop())
	require.NoError(t, svc.RecoverInterrupted(ctx))

	run, err := sm.LoadRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, run.Status)
	require.NotNil(t, run.Report)
	assert.Contains(t, run.Report.Message, "interrupted")
}
