package state

import (
	"context"
	"errors"
	"time"

	"envsync/pkg/models"
)

// ErrRunNotFound is returned when a run ID is unknown
var ErrRunNotFound = errors.New("run not found")

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// RunState represents the persisted state of one sync run
type RunState struct {
	ID        string             `json:"id"`
	Trigger   string             `json:"trigger"`
	Status    string             `json:"status"`
	StartTime time.Time          `json:"start_time"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Duration  string             `json:"duration,omitempty"`
	Report    *models.SyncReport `json:"report,omitempty"`
}

// Finish stores the report and derives the final status
func (r *RunState) Finish(rep *models.SyncReport, fatal bool, now time.Time) {
	r.Report = rep
	r.EndTime = &now
	r.Duration = now.Sub(r.StartTime).Round(time.Millisecond).String()
	switch {
	case fatal:
		r.Status = StatusFailed
	case rep.Success:
		r.Status = StatusCompleted
	default:
		r.Status = StatusPartial
	}
}

// StateManager interface for run history persistence
type StateManager interface {
	SaveRun(ctx context.Context, run *RunState) error
	LoadRun(ctx context.Context, runID string) (*RunState, error)
	ListRuns(ctx context.Context, limit int) ([]*RunState, error)
	CleanupOldRuns(ctx context.Context, olderThan time.Duration) error
	Close() error
}
