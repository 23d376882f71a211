package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker tracks the progress of one sync run through its steps
type Tracker struct {
	runID          string
	totalSteps     int
	completedSteps atomic.Int32
	operations     atomic.Int64
	failed         atomic.Int64
	startTime      time.Time
	currentStep    string
	mu             sync.RWMutex
}

// NewTracker creates a tracker for a run with the given number of steps
func NewTracker(runID string, totalSteps int) *Tracker {
	return &Tracker{
		runID:      runID,
		totalSteps: totalSteps,
		startTime:  time.Now(),
	}
}

// StartStep marks step as the one currently executing
func (t *Tracker) StartStep(step string) {
	t.mu.Lock()
	t.currentStep = step
	t.mu.Unlock()
}

// FinishStep records the operations a step produced
func (t *Tracker) FinishStep(operations, failed int) {
	t.completedSteps.Add(1)
	t.operations.Add(int64(operations))
	t.failed.Add(int64(failed))
}

// Stats is a snapshot of run progress
type Stats struct {
	RunID            string  `json:"run_id"`
	CurrentStep      string  `json:"current_step"`
	CompletedSteps   int32   `json:"completed_steps"`
	TotalSteps       int     `json:"total_steps"`
	ProgressPct      float64 `json:"progress_pct"`
	Operations       int64   `json:"operations"`
	FailedOperations int64   `json:"failed_operations"`
	ElapsedTime      string  `json:"elapsed_time"`
}

// GetStats returns current progress statistics
func (t *Tracker) GetStats() Stats {
	t.mu.RLock()
	step := t.currentStep
	t.mu.RUnlock()

	completed := t.completedSteps.Load()
	progressPct := 0.0
	if t.totalSteps > 0 {
		progressPct = float64(completed) / float64(t.totalSteps) * 100
	}

	return Stats{
		RunID:            t.runID,
		CurrentStep:      step,
		CompletedSteps:   completed,
		TotalSteps:       t.totalSteps,
		ProgressPct:      progressPct,
		Operations:       t.operations.Load(),
		FailedOperations: t.failed.Load(),
		ElapsedTime:      time.Since(t.startTime).Round(time.Millisecond).String(),
	}
}

// FormatProgress formats current progress as a log line
func (t *Tracker) FormatProgress() string {
	stats := t.GetStats()
	return fmt.Sprintf(
		"Progress: %.0f%% (%d/%d steps) | Step: %s | Operations: %d | Failed: %d | Elapsed: %s",
		stats.ProgressPct,
		stats.CompletedSteps,
		stats.TotalSteps,
		stats.CurrentStep,
		stats.Operations,
		stats.FailedOperations,
		stats.ElapsedTime,
	)
}
