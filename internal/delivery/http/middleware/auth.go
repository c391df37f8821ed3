package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veridianops/assessd/internal/metrics"
)

const apiKeyHeader = "X-API-Key"

// KeyValidator decides whether a presented API key is acceptable. The
// credential authority lives outside this service; this is just the seam.
type KeyValidator interface {
	Validate(key string) bool
}

// KeyValidatorFunc adapts a function into a KeyValidator.
type KeyValidatorFunc func(key string) bool

func (f KeyValidatorFunc) Validate(key string) bool { return f(key) }

// StaticKeys validates against a fixed key set using constant-time compares.
func StaticKeys(keys ...string) KeyValidator {
	return KeyValidatorFunc(func(key string) bool {
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				return true
			}
		}
		return false
	})
}

// APIKeyAuth rejects requests without a key (401) or with a key the
// validator refuses (403). A nil validator disables auth entirely.
func APIKeyAuth(validator KeyValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if validator == nil {
			c.Next()
			return
		}

		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			metrics.RequestsRejected.WithLabelValues("missing_api_key").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}
		if !validator.Validate(key) {
			metrics.RequestsRejected.WithLabelValues("invalid_api_key").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid API key"})
			return
		}

		c.Next()
	}
}
