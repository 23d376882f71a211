package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"envsync/pkg/connect"
	"envsync/pkg/datasync"
	"envsync/pkg/manifest"
	"envsync/pkg/models"
	"envsync/pkg/progress"
	"envsync/pkg/report"
	"envsync/pkg/schema"
	"envsync/pkg/state"
	"envsync/pkg/storage"
)

// ErrRunInProgress is returned when a run is requested while another one is active
var ErrRunInProgress = errors.New("sync run already in progress")

// Step names, in execution order
const (
	StepCustomTypes = "sync_custom_types"
	StepProvision   = "provision_tables"
	StepEnforce     = "enforce_relations"
	StepFunctions   = "sync_functions"
	StepData        = "sync_data"
	StepStorage     = "sync_storage"
)

var steps = []string{StepCustomTypes, StepProvision, StepEnforce, StepFunctions, StepData, StepStorage}

// Options are the tunables of a run
type Options struct {
	BatchSize        int
	ProvisionWorkers int
	StorageWorkers   int
}

// Service runs sync jobs. It owns the operation recorder of each run and is
// the only caller of report.Build.
type Service struct {
	connector connect.Connector
	manifest  *manifest.Manifest
	state     state.StateManager
	opts      Options
	log       *zap.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	tracker *progress.Tracker
}

// NewService creates a service
func NewService(connector connect.Connector, m *manifest.Manifest, sm state.StateManager, opts Options, log *zap.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ProvisionWorkers <= 0 {
		opts.ProvisionWorkers = 4
	}
	if opts.StorageWorkers <= 0 {
		opts.StorageWorkers = 4
	}
	return &Service{
		connector: connector,
		manifest:  m,
		state:     sm,
		opts:      opts,
		log:       log.Named("service"),
		now:       time.Now,
	}
}

// Running reports whether a run is active
func (s *Service) Running() bool {
	return s.running.Load()
}

// Progress returns the progress of the active run, or false when idle
func (s *Service) Progress() (progress.Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tracker == nil {
		return progress.Stats{}, false
	}
	return s.tracker.GetStats(), true
}

// Execute runs one job for the scheduler. Only a fatal failure is an error.
func (s *Service) Execute(ctx context.Context) error {
	_, err := s.Run(ctx, "schedule")
	return err
}

// Run executes one full sync job. The returned error is non-nil only when the
// run could not start: ErrRunInProgress with a nil report, or a fatal
// precondition failure with a report holding no operations.
// Per-step failures are recorded in the report and never returned.
func (s *Service) Run(ctx context.Context, trigger string) (*models.SyncReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	runID := uuid.New().String()
	log := s.log.With(zap.String("run_id", runID), zap.String("trigger", trigger))

	run := &state.RunState{
		ID:        runID,
		Trigger:   trigger,
		Status:    state.StatusRunning,
		StartTime: s.now(),
	}
	s.saveRun(ctx, run, log)

	tracker := progress.NewTracker(runID, len(steps))
	s.mu.Lock()
	s.tracker = tracker
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.tracker = nil
		s.mu.Unlock()
	}()

	log.Info("sync run started")

	envs, err := s.connector.Connect(ctx)
	if err != nil {
		log.Error("sync run aborted", zap.Error(err))
		rep := report.Fatal(runID, err, s.now())
		run.Finish(rep, true, s.now())
		s.saveRun(ctx, run, log)
		return rep, err
	}
	defer func() {
		if err := envs.Close(); err != nil {
			log.Warn("failed to close connections", zap.Error(err))
		}
	}()

	rec := report.NewRecorder()
	s.execute(ctx, envs, rec, tracker, log)

	rep := report.Build(runID, rec.Operations(), s.now())
	run.Finish(rep, false, s.now())
	s.saveRun(ctx, run, log)

	log.Info("sync run finished",
		zap.Bool("success", rep.Success),
		zap.Int("operations", len(rep.Operations)),
		zap.Int64("total_records", rep.TotalRecords),
		zap.String("duration", run.Duration))
	return rep, nil
}

func (s *Service) execute(ctx context.Context, envs *connect.Environments, rec *report.Recorder, tracker *progress.Tracker, log *zap.Logger) {
	m := s.manifest
	source, target := envs.Source.DB, envs.Target.DB

	s.step(rec, tracker, log, StepCustomTypes, func() {
		for _, name := range m.CustomTypes {
			rec.Skipped(StepCustomTypes, fmt.Sprintf("custom type %s assumed to exist in target", name))
		}
		if len(m.CustomTypes) == 0 {
			rec.Skipped(StepCustomTypes, "no custom types declared")
		}
	})

	s.step(rec, tracker, log, StepProvision, func() {
		introspector := schema.NewIntrospector(source, m.Schema)
		schema.NewProvisioner(introspector, target, m.Schema, s.opts.ProvisionWorkers, log).
			Provision(ctx, m.TableNames(), rec)
	})

	s.step(rec, tracker, log, StepEnforce, func() {
		schema.NewEnforcer(target, m, log).Enforce(ctx, rec)
	})

	s.step(rec, tracker, log, StepFunctions, func() {
		fs := schema.NewFunctionSync(source, target, m.Schema, log)
		fs.SyncFunctions(ctx, rec)
		fs.SyncTriggers(ctx, m.Triggers, rec)
	})

	s.step(rec, tracker, log, StepData, func() {
		datasync.NewEngine(source, target, m.Schema, s.opts.BatchSize, log).
			SyncTables(ctx, m.Tables, rec)
	})

	s.step(rec, tracker, log, StepStorage, func() {
		if !envs.StorageConfigured() {
			rec.Skipped(storage.OperationName, "storage not configured")
			return
		}
		storage.NewReplicator(envs.Source.Store, envs.Target.Store, s.opts.StorageWorkers, log).
			Replicate(ctx, m.Buckets, rec)
	})
}

// step runs fn and reports how many operations it recorded
func (s *Service) step(rec *report.Recorder, tracker *progress.Tracker, log *zap.Logger, name string, fn func()) {
	tracker.StartStep(name)
	before := rec.Len()
	fn()

	ops := rec.Operations()[before:]
	failed := 0
	for _, op := range ops {
		if op.Status == models.StatusError {
			failed++
		}
	}
	tracker.FinishStep(len(ops), failed)
	log.Debug(tracker.FormatProgress())
}

func (s *Service) saveRun(ctx context.Context, run *state.RunState, log *zap.Logger) {
	if s.state == nil {
		return
	}
	if err := s.state.SaveRun(ctx, run); err != nil {
		log.Warn("failed to save run state", zap.Error(err))
	}
}

// RecoverInterrupted marks runs left in the running state by a previous
// process as failed
func (s *Service) RecoverInterrupted(ctx context.Context) error {
	if s.state == nil {
		return nil
	}
	runs, err := s.state.ListRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	for _, run := range runs {
		if run.Status != state.StatusRunning {
			continue
		}
		now := s.now()
		run.Finish(report.Fatal(run.ID, errors.New("sync run interrupted by restart"), now), true, now)
		if err := s.state.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}
		s.log.Warn("marked interrupted run as failed", zap.String("run_id", run.ID))
	}
	return nil
}
