package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veridianops/assessd/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development; restrict in production
	},
}

// StreamHandler pushes assessment progress over a WebSocket until the
// record reaches a terminal state.
type StreamHandler struct {
	store    *store.Store
	interval time.Duration
	logger   *zap.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(st *store.Store, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		store:    st,
		interval: 500 * time.Millisecond,
		logger:   logger,
	}
}

// Stream handles GET /api/v1/assessments/:id/stream (WebSocket upgrade)
func (h *StreamHandler) Stream(c *gin.Context) {
	id := c.Param("id")

	// Verify existence before upgrading so a bad id gets a proper 404.
	if _, err := h.store.GetFresh(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Assessment not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("WebSocket connection opened", zap.String("assessment_id", id))

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for range ticker.C {
		a, err := h.store.GetFresh(c.Request.Context(), id)
		if err != nil {
			conn.WriteJSON(gin.H{"error": "Assessment not found"})
			return
		}

		if err := conn.WriteJSON(a); err != nil {
			h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
			return
		}

		// Stop streaming once the assessment reaches a terminal state
		if a.State.IsTerminal() {
			h.logger.Debug("Assessment reached terminal state, closing WebSocket",
				zap.String("assessment_id", id))
			return
		}
	}
}
