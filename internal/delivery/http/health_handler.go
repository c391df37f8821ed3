package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DependencyCheck pings one backing service.
type DependencyCheck func(ctx context.Context) error

// PoolStats reports connection pool utilization.
type PoolStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// HealthHandler reports composite service health from its dependencies.
type HealthHandler struct {
	checks    map[string]DependencyCheck
	poolStats func() PoolStats
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks: make(map[string]DependencyCheck),
		logger: logger,
	}
}

// AddCheck registers a named dependency check.
func (h *HealthHandler) AddCheck(name string, check DependencyCheck) {
	h.checks[name] = check
}

// SetPoolStats wires a connection pool utilization source.
func (h *HealthHandler) SetPoolStats(fn func() PoolStats) {
	h.poolStats = fn
}

// Health handles GET /api/v1/health. All dependencies healthy → 200;
// any failure → 503 with per-dependency detail.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := gin.H{}
	degraded := false
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Dependency check failed", zap.String("dependency", name), zap.Error(err))
			services[name] = "unavailable"
			degraded = true
			continue
		}
		services[name] = "ok"
	}

	body := gin.H{
		"status":   "healthy",
		"services": services,
	}
	if h.poolStats != nil {
		body["db_pool"] = h.poolStats()
	}

	if degraded {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
