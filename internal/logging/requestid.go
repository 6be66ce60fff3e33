package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/gin-gonic/gin"
)

// RequestIDHeader carries the request ID in and out of the local API.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

const ginRequestIDKey = "__request_id__"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// GenerateRequestID creates a new 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// requestIDFrom reuses a caller-supplied ID when it is safe to log, otherwise
// generates a fresh one.
func requestIDFrom(c *gin.Context) string {
	if c != nil && c.Request != nil {
		if id := c.GetHeader(RequestIDHeader); validRequestID.MatchString(id) {
			return id
		}
	}
	return GenerateRequestID()
}

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GetGinRequestID retrieves the request ID from the Gin context.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}
