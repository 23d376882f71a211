package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"envsync/pkg/core"
)

// Schedule is the state of the recurring sync job
type Schedule struct {
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
	SkipCount int       `json:"skip_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskExecutor runs one sync job
type TaskExecutor interface {
	Execute(ctx context.Context) error
}

// ExecutorFunc adapts a function to TaskExecutor
type ExecutorFunc func(ctx context.Context) error

func (f ExecutorFunc) Execute(ctx context.Context) error { return f(ctx) }

// Scheduler fires the sync job on a cron expression. A tick that arrives
// while the previous job is still running is skipped.
type Scheduler struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	schedule Schedule
	entry    cron.EntryID
	executor TaskExecutor
	running  bool
	log      *zap.Logger
}

// NewScheduler creates a stopped scheduler with no schedule
func NewScheduler(executor TaskExecutor, log *zap.Logger) *Scheduler {
	log = log.Named("scheduler")
	cronLog := cron.PrintfLogger(zap.NewStdLog(log))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		executor: executor,
		log:      log,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler and waits for a running job to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	return nil
}

// Update replaces the cron expression and enabled flag. An empty expression disables the schedule.
func (s *Scheduler) Update(cronExpr string, enabled bool) error {
	var parsed cron.Schedule
	if cronExpr != "" {
		var err error
		parsed, err = cron.ParseStandard(cronExpr)
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}

	now := time.Now()
	s.schedule.CronExpr = cronExpr
	s.schedule.Enabled = enabled && parsed != nil
	s.schedule.UpdatedAt = now
	s.schedule.NextRun = time.Time{}

	if !s.schedule.Enabled {
		return nil
	}

	entryID, err := s.cron.AddFunc(cronExpr, s.execute)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entry = entryID
	s.schedule.NextRun = parsed.Next(now)

	s.log.Info("schedule updated", zap.String("cron", cronExpr), zap.Time("next_run", s.schedule.NextRun))
	return nil
}

// Get returns a copy of the schedule
func (s *Scheduler) Get() Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedule
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	s.schedule.LastRun = time.Now()
	s.schedule.RunCount++
	s.mu.Unlock()

	s.log.Info("scheduled sync starting")
	err := s.executor.Execute(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, core.ErrRunInProgress):
		s.schedule.RunCount--
		s.schedule.SkipCount++
		s.log.Info("scheduled sync skipped, a run is already in progress")
	case err != nil:
		s.schedule.FailCount++
		s.log.Warn("scheduled sync failed", zap.Error(err))
	}

	if s.entry != 0 {
		s.schedule.NextRun = s.cron.Entry(s.entry).Next
	}
}
