package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderXRequestID     = "X-Request-ID"
	HeaderXCorrelationID = "X-Correlation-ID"

	ContextRequestID     = "request_id"
	ContextCorrelationID = "correlation_id"
)

// RequestID assigns each request a unique id and echoes it back. A caller
// supplied X-Correlation-ID is carried into the context so events published
// during the request inherit it and downstream notifications stay traceable
// to the originating action.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)

		if cid := c.GetHeader(HeaderXCorrelationID); cid != "" {
			c.Set(ContextCorrelationID, cid)
			c.Header(HeaderXCorrelationID, cid)
		}

		c.Next()
	}
}
