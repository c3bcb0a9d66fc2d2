package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/infigaming-com/go-jetqueue/request"
	"github.com/infigaming-com/go-jetqueue/util"
)

// CorrelationIdMiddleware keeps the caller's correlation id, or assigns a new
// one, and echoes it on the response.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(request.CorrelationIdHeader)
		if correlationId == "" {
			correlationId = util.NewUUID()
		}
		c.Header(request.CorrelationIdHeader, correlationId)
		ctx := util.CorrelationIdToCtx(c.Request.Context(), correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
