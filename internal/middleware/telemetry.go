package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware traces HTTP requests with otelgin and annotates the
// server span with the caller and the forum ids in the route
func TracingMiddleware(serviceName string) gin.HandlersChain {
	return gin.HandlersChain{otelgin.Middleware(serviceName), spanAttributes}
}

// spanAttributes runs inside the otelgin span
func spanAttributes(c *gin.Context) {
	c.Next()

	span := trace.SpanFromContext(c.Request.Context())
	if !span.IsRecording() {
		return
	}

	if uid := GetUserID(c); uid != "" {
		span.SetAttributes(attribute.String("user.id", uid))
	}
	if id := GetRequestID(c); id != "" {
		span.SetAttributes(attribute.String("request.id", id))
	}
	for _, p := range []struct{ param, attr string }{
		{"group", "group.id"},
		{"problem", "problem.id"},
		{"solution", "solution.id"},
	} {
		if v := c.Param(p.param); v != "" {
			span.SetAttributes(attribute.String(p.attr, v))
		}
	}

	for _, ginErr := range c.Errors {
		if ginErr.Err != nil {
			span.RecordError(ginErr.Err, trace.WithStackTrace(true))
			span.SetStatus(codes.Error, ginErr.Error())
		}
	}
}
