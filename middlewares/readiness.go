package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const HealthPath = "/healthz"

// ReadinessMiddleware answers the startup probe and returns 503 until ready reports true.
func ReadinessMiddleware(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == HealthPath {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}
