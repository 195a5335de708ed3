package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// HeaderCorrelationID is accepted inbound and always echoed outbound.
	HeaderCorrelationID = "X-Correlation-Id"

	ContextKeyCorrelationID = "correlation_id"
)

// CorrelationID accepts a caller-supplied X-Correlation-Id or mints a UUID.
// The webhook handlers reuse this id as the queue's idempotency key, which
// is what makes a provider retry of the same delivery collapse into one job.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyCorrelationID, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

func GetCorrelationID(c *gin.Context) string {
	val, exists := c.Get(ContextKeyCorrelationID)
	if !exists {
		return ""
	}
	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}
