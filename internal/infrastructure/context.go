package infrastructure

import "context"

type contextKey string

// TraceIDContextKey is the key for storing the trace id in context.
const TraceIDContextKey contextKey = "trace_id"

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID extracts the trace id from context, or "" when absent.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDContextKey).(string); ok {
		return traceID
	}
	return ""
}
