// Package reqctx carries the RequestID and TraceID minted once per inbound
// HTTP request through context.Context, so every component downstream of the
// router — auth middleware, the dispatcher, the audit façade — observes the
// same pair of identifiers instead of each minting its own.
package reqctx

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	traceIDKey
)

// WithIDs returns a context carrying requestID and traceID, retrievable via
// RequestID and TraceID.
func WithIDs(ctx context.Context, requestID, traceID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return ctx
}

// RequestID returns the RequestID stored by WithIDs, or "" if none was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// TraceID returns the TraceID stored by WithIDs, or "" if none was set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}
