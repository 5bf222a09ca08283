package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/listing_backend/utils"
)

const (
	HeaderCorrelationId = "x-correlation-id"
	HeaderOperator      = "x-operator"
)

// RequestContextMiddleware attaches the correlation id and operator to the request context.
// A missing correlation id is generated and echoed back on the response.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if op := strings.TrimSpace(c.GetHeader(HeaderOperator)); op != "" {
			ctx = utils.SetOperatorInContext(ctx, op)
		}
		c.Header(HeaderCorrelationId, cid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
