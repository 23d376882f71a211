package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(h *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))

	// Sync trigger; answers any method, preflight included
	trigger := router.Group("", preflight())
	{
		trigger.Any("/sync", h.Sync)
		trigger.Any("/functions/v1/sync-environment", h.Sync)
	}

	// Health check
	router.GET("/health", h.HealthCheck)

	// Configure CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}

	// API routes
	api := router.Group("/api", cors.New(config))
	{
		// Run history
		api.GET("/runs", h.ListRuns)
		api.GET("/runs/current", h.CurrentRun)
		api.GET("/runs/:id", h.GetRun)

		// Scheduled runs
		api.GET("/schedule", h.GetSchedule)
		api.PUT("/schedule", h.UpdateSchedule)
		api.POST("/schedule/run", h.RunNow)
	}

	return router
}

// preflight sets permissive CORS headers and answers OPTIONS with an empty 200
func preflight() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
