package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chorus/presence-service/utils"
)

const RequestIDHeader = "X-Request-ID"

// Logger logs one line per request and propagates a request id.
func Logger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		args := []interface{}{
			"request_id", requestID,
			"remote_addr", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if p := PrincipalFrom(c); p.ID != "" {
			args = append(args, "subject_id", p.ID)
		}

		if c.Writer.Status() >= 500 {
			logger.Warn("Request failed", args...)
			return
		}
		logger.Debug("Request handled", args...)
	}
}
