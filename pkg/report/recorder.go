package report

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"envsync/pkg/models"
)

// Recorder accumulates the operations of a single run.
// It is owned by the orchestrator and handed to each step by pointer.
type Recorder struct {
	mu  sync.Mutex
	ops []models.SyncOperation
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{ops: make([]models.SyncOperation, 0, 32)}
}

func (r *Recorder) add(op models.SyncOperation) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Success records a successful step without a record count
func (r *Recorder) Success(operation, details string) {
	r.add(models.SyncOperation{Operation: operation, Status: models.StatusSuccess, Details: details})
}

// SuccessCount records a successful step that moved count records
func (r *Recorder) SuccessCount(operation, details string, count int64) {
	r.add(models.SyncOperation{Operation: operation, Status: models.StatusSuccess, Details: details, RecordCount: &count})
}

// Error records a failed step with the error message as details
func (r *Recorder) Error(operation string, err error) {
	details := "unknown error"
	if err != nil {
		details = err.Error()
	}
	r.add(models.SyncOperation{Operation: operation, Status: models.StatusError, Details: details})
}

// ErrorCount records a failed step that still moved count records
func (r *Recorder) ErrorCount(operation string, err error, count int64) {
	r.add(models.SyncOperation{Operation: operation, Status: models.StatusError, Details: err.Error(), RecordCount: &count})
}

// Skipped records a step that was intentionally not performed
func (r *Recorder) Skipped(operation, details string) {
	r.add(models.SyncOperation{Operation: operation, Status: models.StatusSkipped, Details: details})
}

// Operations returns a copy of the recorded operations in order
func (r *Recorder) Operations() []models.SyncOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SyncOperation, len(r.ops))
	copy(out, r.ops)
	return out
}

// Len returns the number of recorded operations
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Build computes the final report from the recorded operations.
// This is the only place overall success is decided.
func Build(runID string, ops []models.SyncOperation, now time.Time) *models.SyncReport {
	if ops == nil {
		ops = []models.SyncOperation{}
	}

	var total int64
	var failed, skipped int
	for _, op := range ops {
		if op.RecordCount != nil {
			total += *op.RecordCount
		}
		switch op.Status {
		case models.StatusError:
			failed++
		case models.StatusSkipped:
			skipped++
		}
	}

	message := fmt.Sprintf("Environment sync completed: %d operations, %d records", len(ops), total)
	if failed > 0 {
		message = fmt.Sprintf("Environment sync completed with %d failed of %d operations, %d records", failed, len(ops), total)
	}
	if skipped > 0 {
		message += fmt.Sprintf(" (%d skipped)", skipped)
	}

	return &models.SyncReport{
		RunID:        runID,
		Success:      failed == 0,
		Message:      message,
		TotalRecords: total,
		Operations:   ops,
		Timestamp:    now.UTC(),
	}
}

// Fatal builds the report returned when the run could not start at all
func Fatal(runID string, err error, now time.Time) *models.SyncReport {
	return &models.SyncReport{
		RunID:      runID,
		Success:    false,
		Message:    err.Error(),
		Operations: []models.SyncOperation{},
		Timestamp:  now.UTC(),
	}
}

// StatusCode maps a report to its HTTP status: 200 when every step succeeded, 206 otherwise
func StatusCode(r *models.SyncReport) int {
	if r.Success {
		return http.StatusOK
	}
	return http.StatusPartialContent
}
