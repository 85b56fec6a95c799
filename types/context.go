package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID  contextKey = "request_id"
	keyDecisionID contextKey = "decision_id"
	keyTraceID    contextKey = "trace_id"
)

// WithRequestID adds the routing request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the routing request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithDecisionID adds the decision ID to context.
func WithDecisionID(ctx context.Context, decisionID string) context.Context {
	return context.WithValue(ctx, keyDecisionID, decisionID)
}

// DecisionID extracts the decision ID from context.
func DecisionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyDecisionID).(string)
	return v, ok && v != ""
}

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}
