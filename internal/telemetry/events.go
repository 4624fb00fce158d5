package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// TRANSACTIONS
// ============================================================================

// TraceTransaction creates a span around one read-modify-write on a path
func TraceTransaction(ctx context.Context, path string) (context.Context, trace.Span) {
	return otel.Tracer("livecache.counter").Start(ctx, "counter.apply",
		trace.WithAttributes(
			attribute.String("store.path", path),
		),
	)
}

// RecordAttempts annotates a transaction span with its CAS attempt count
func RecordAttempts(span trace.Span, attempts int, swapped bool) {
	span.SetAttributes(
		attribute.Int("counter.attempts", attempts),
		attribute.Bool("counter.swapped", swapped),
	)
}

// ============================================================================
// FORUM OPERATIONS
// ============================================================================

// ForumAttrs describes the target of a forum operation
type ForumAttrs struct {
	GroupID    string
	ProblemID  string
	SolutionID string
	UserID     string
	Mode       string // "two_phase", "atomic"
}

// TraceForum creates a span for a forum operation such as upvote or submission
func TraceForum(ctx context.Context, operation string, attrs ForumAttrs) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("livecache.forum").Start(ctx, "forum."+operation,
		trace.WithAttributes(
			attribute.String("forum.operation", operation),
			attribute.String("group.id", attrs.GroupID),
		),
	)

	if attrs.ProblemID != "" {
		span.SetAttributes(attribute.String("problem.id", attrs.ProblemID))
	}
	if attrs.SolutionID != "" {
		span.SetAttributes(attribute.String("solution.id", attrs.SolutionID))
	}
	if attrs.UserID != "" {
		span.SetAttributes(attribute.String("user.id", attrs.UserID))
	}
	if attrs.Mode != "" {
		span.SetAttributes(attribute.String("upvote.mode", attrs.Mode))
	}

	return ctx, span
}

// ============================================================================
// STORE CALLS
// ============================================================================

// TraceStoreCall creates a client span for a backend store round trip
// Examples: read, compare_and_swap, update
func TraceStoreCall(ctx context.Context, backend, operation, path string) (context.Context, trace.Span) {
	return otel.Tracer("livecache.store").Start(ctx, backend+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.operation", operation),
			attribute.String("store.path", path),
		),
	)
}

// ============================================================================
// ERROR AND SUCCESS RECORDING
// ============================================================================

// RecordError marks span failed with err
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err, trace.WithStackTrace(true))
	}
}

// RecordSuccess marks span ok
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
