package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"

	ContextCorrelationID = "correlation_id"
)

// RequestID threads the caller's correlation id through the request, or
// mints one when absent, and echoes it back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set(ContextCorrelationID, correlationID)
		c.Writer.Header().Set(HeaderCorrelationID, correlationID)
		c.Next()
	}
}
