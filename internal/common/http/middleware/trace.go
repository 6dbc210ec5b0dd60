package middleware

import (
	"context"
	"strings"

	"protoeval/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"

	// maxIDLength bounds caller-supplied ids before they reach logs.
	maxIDLength = 128
)

// TraceContextMiddleware puts trace and request ids on the request context,
// the gin context and the response headers. Caller-supplied ids are kept so
// a client can follow one submission across the API and processor logs.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = propagate(c, ctx, TraceIDHeader, contextkey.TraceID)
		ctx = propagate(c, ctx, RequestIDHeader, contextkey.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func propagate(c *gin.Context, ctx context.Context, header string, key interface{ String() string }) context.Context {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" || len(id) > maxIDLength {
		id = uuid.NewString()
	}
	c.Set(key.String(), id)
	c.Writer.Header().Set(header, id)
	return context.WithValue(ctx, key, id)
}

// TraceID returns the trace id stored by TraceContextMiddleware, if any.
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(contextkey.TraceID).(string); ok {
		return id
	}
	return ""
}
