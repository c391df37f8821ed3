package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/delivery/http/middleware"
)

// RouterConfig bundles the knobs the router needs from configuration.
type RouterConfig struct {
	RateLimitRPS int
	RateBurst    int
	MaxBodyBytes int64
	KeyValidator middleware.KeyValidator
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(
	assessments *AssessmentHandler,
	stream *StreamHandler,
	health *HealthHandler,
	logger *zap.Logger,
	cfg RouterConfig,
) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(logger))

	// Metrics endpoint (no rate limiting, no auth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Health check (no rate limiting, no auth)
		v1.GET("/health", health.Health)

		authed := v1.Group("")
		authed.Use(middleware.APIKeyAuth(cfg.KeyValidator))
		authed.Use(middleware.RateLimiter(cfg.RateLimitRPS, cfg.RateBurst))
		authed.Use(middleware.BodySizeLimit(cfg.MaxBodyBytes))
		{
			authed.POST("/assessments", assessments.Create)
			authed.POST("/assessments/batch", assessments.BatchCreate)
			authed.GET("/assessments", assessments.List)
			authed.GET("/assessments/stats", assessments.Stats)
			authed.GET("/assessments/metrics", assessments.Metrics)
			authed.POST("/assessments/retry", assessments.Retry)
			authed.GET("/assessments/:id", assessments.GetByID)
			authed.PUT("/assessments/:id/progress", assessments.UpdateProgress)
			authed.PUT("/assessments/:id/complete", assessments.Complete)
			authed.PUT("/assessments/:id/fail", assessments.Fail)
			authed.PUT("/assessments/:id/cancel", assessments.Cancel)
			authed.POST("/assessments/:id/process", assessments.Process)
			authed.POST("/assessments/batch/process", assessments.BatchProcess)
			authed.GET("/assessments/:id/events", assessments.Events)

			// WebSocket for real-time progress
			authed.GET("/assessments/:id/stream", stream.Stream)

			admin := authed.Group("/admin")
			admin.POST("/backup", assessments.Backup)
			admin.POST("/restore", assessments.Restore)
			admin.POST("/migrate/:id", assessments.Migrate)
		}
	}

	return router
}
