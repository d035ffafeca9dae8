// Package telemetry provides metrics instruments and request tagging for the
// edge proxy: cache pipeline outcomes, upstream fetch accounting, storage
// backend timing, and the observability HTTP surface.
package telemetry

import "context"

type contextKey string

const (
	// requestIDKey carries the per-request correlation ID through handler
	// and fetch code paths.
	requestIDKey contextKey = "request_id"
)

// Outcome labels for cache pipeline events. These are the only values the
// outcome metric attribute takes, keeping cardinality fixed.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeRevalidated = "revalidated"
	OutcomeDocHit      = "doc_hit"
	OutcomeDocMiss     = "doc_miss"
	OutcomeBypass      = "bypass"
	OutcomeRescue      = "rescue"
)

// WithRequestID returns a context carrying the correlation ID for one
// intercepted request. Handlers attach it to log lines so a request's
// lookup, fetch, and store events can be tied together.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the correlation ID from a context, or empty.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
