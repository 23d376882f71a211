package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"envsync/pkg/core"
)

// UpdateScheduleRequest represents a request to change the schedule
type UpdateScheduleRequest struct {
	CronExpr string `json:"cron_expr"`
	Enabled  *bool  `json:"enabled"`
}

// GetSchedule handles GET /api/schedule
// @Summary Get the sync schedule
// @Tags schedule
// @Produce json
// @Success 200 {object} scheduler.Schedule
// @Failure 503 {object} gin.H
// @Router /api/schedule [get]
func (h *Handlers) GetSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not initialized"})
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Get())
}

// UpdateSchedule handles PUT /api/schedule
// @Summary Update the sync schedule
// @Tags schedule
// @Accept json
// @Produce json
// @Param request body UpdateScheduleRequest true "Schedule"
// @Success 200 {object} scheduler.Schedule
// @Failure 400 {object} gin.H
// @Router /api/schedule [put]
func (h *Handlers) UpdateSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not initialized"})
		return
	}

	var req UpdateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := req.CronExpr != ""
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := h.scheduler.Update(req.CronExpr, enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.scheduler.Get())
}

// RunNow handles POST /api/schedule/run
// @Summary Start a sync run in the background
// @Tags schedule
// @Produce json
// @Success 202 {object} gin.H
// @Failure 409 {object} gin.H
// @Router /api/schedule/run [post]
func (h *Handlers) RunNow(c *gin.Context) {
	if h.runner.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": core.ErrRunInProgress.Error()})
		return
	}

	go func() {
		if _, err := h.runner.Run(context.Background(), "manual"); err != nil && !errors.Is(err, core.ErrRunInProgress) {
			h.log.Warn("manual sync failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync started"})
}
