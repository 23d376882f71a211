package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"envsync/pkg/core"
	"envsync/pkg/models"
	"envsync/pkg/progress"
	"envsync/pkg/report"
	"envsync/pkg/scheduler"
	"envsync/pkg/state"
)

// Runner executes sync jobs
type Runner interface {
	Run(ctx context.Context, trigger string) (*models.SyncReport, error)
	Running() bool
	Progress() (progress.Stats, bool)
}

// Handlers serves the HTTP API
type Handlers struct {
	runner    Runner
	state     state.StateManager
	scheduler *scheduler.Scheduler
	log       *zap.Logger
}

// NewHandlers creates the handler set. sched may be nil.
func NewHandlers(runner Runner, sm state.StateManager, sched *scheduler.Scheduler, log *zap.Logger) *Handlers {
	return &Handlers{runner: runner, state: sm, scheduler: sched, log: log}
}

// Sync handles any method on /sync
// @Summary Run a full environment sync
// @Description Replicates schema, data, policies, functions and storage from source to target
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncReport
// @Success 206 {object} models.SyncReport
// @Failure 409 {object} gin.H
// @Failure 500 {object} models.SyncReport
// @Router /sync [post]
func (h *Handlers) Sync(c *gin.Context) {
	// The job outlives a disconnecting client
	ctx := context.WithoutCancel(c.Request.Context())

	rep, err := h.runner.Run(ctx, "http")
	switch {
	case errors.Is(err, core.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, rep)
	default:
		c.JSON(report.StatusCode(rep), rep)
	}
}

// ListRuns handles GET /api/runs
// @Summary List sync runs
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs"
// @Success 200 {object} gin.H
// @Router /api/runs [get]
func (h *Handlers) ListRuns(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.state.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /api/runs/:id
// @Summary Get a sync run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} state.RunState
// @Failure 404 {object} gin.H
// @Router /api/runs/{id} [get]
func (h *Handlers) GetRun(c *gin.Context) {
	run, err := h.state.LoadRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, state.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// CurrentRun handles GET /api/runs/current
func (h *Handlers) CurrentRun(c *gin.Context) {
	stats, ok := h.runner.Progress()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":  true,
		"progress": stats,
	})
}

// HealthCheck handles GET /health
// @Summary Health check
// @Description Check if the API is running
// @Tags system
// @Produce json
// @Success 200 {object} gin.H
// @Router /health [get]
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"running": h.runner.Running(),
		"time":    time.Now(),
	})
}
