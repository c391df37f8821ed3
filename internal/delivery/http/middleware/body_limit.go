package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veridianops/assessd/internal/metrics"
)

// BodySizeLimit rejects request bodies above maxBytes with 413. The reader
// is also capped so a lying Content-Length cannot smuggle a larger body.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			metrics.RequestsRejected.WithLabelValues("payload_too_large").Inc()
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
