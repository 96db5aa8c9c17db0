package ingress

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// requestID echoes the caller's X-Request-ID, or a fresh one when missing,
// and stores it on the gin context.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := getOrGenerateID(c.GetHeader(requestIDHeader))
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func getOrGenerateID(existing string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return uuid.New().String()
	}
	return existing
}
