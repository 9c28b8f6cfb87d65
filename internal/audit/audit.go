// Package audit is the typed façade over an EventStore. Gateway components
// never call store.EventStore.AppendEvent directly; they call the named
// Log* method matching what happened, so the event kind, decision
// normalization, and field population for each occurrence are defined in
// exactly one place. Every method returns the persisted GatewayEvent so
// callers can broadcast the exact stored record to the SSE Hub.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tripwire/gateway/internal/ids"
	"github.com/tripwire/gateway/internal/store"
)

// Logger wraps a store.EventStore with one method per gateway occurrence
// worth auditing.
type Logger struct {
	store store.EventStore
}

// New returns a Logger backed by s.
func New(s store.EventStore) *Logger {
	return &Logger{store: s}
}

// LogAuthSuccess records a successful credential resolution. Decision is
// always "allow"; permissions are recorded in MetadataJSON since they carry
// no fixed cardinality.
func (l *Logger) LogAuthSuccess(ctx context.Context, requestID, traceID, clientID, target string, permissions []string) (store.GatewayEvent, error) {
	return l.append(ctx, store.EventFields{
		RequestID: requestID, TraceID: traceID, ClientID: clientID, Target: target,
		Kind:         store.EventAuthSuccess,
		Decision:     "allow",
		MetadataJSON: mustMarshal(map[string]any{"permissions": permissions}),
	})
}

// LogAuthFailure records a rejected or missing credential. denyReason is a
// short machine-readable code, e.g. "missing_credential" or
// "forbidden:events:read".
func (l *Logger) LogAuthFailure(ctx context.Context, requestID, traceID, clientID, target, denyReason string) (store.GatewayEvent, error) {
	return l.append(ctx, store.EventFields{
		RequestID: requestID, TraceID: traceID, ClientID: clientID, Target: target,
		Kind:       store.EventAuthFailure,
		Decision:   "deny",
		DenyReason: denyReason,
	})
}

// LogRequest records that a request envelope was accepted and enqueued for
// target. protocolKind selects between the gateway_mcp_request and
// gateway_a2a_request taxonomy members.
func (l *Logger) LogRequest(ctx context.Context, requestID, traceID, clientID, target string, protocolKind store.ProtocolKind, method string) (store.GatewayEvent, error) {
	return l.append(ctx, store.EventFields{
		RequestID: requestID, TraceID: traceID, ClientID: clientID, Target: target,
		Kind: store.RequestEventKind(protocolKind), Method: method,
	})
}

// LogResponse records the outcome of an executed request. protocolKind
// selects between the gateway_mcp_response and gateway_a2a_response
// taxonomy members. Decision is normalized from statusCode per spec §4.C:
// "allow" when statusCode < 400, unset otherwise (a *_response event never
// records "deny" — that is reserved for auth events).
func (l *Logger) LogResponse(ctx context.Context, requestID, traceID, clientID, target string, protocolKind store.ProtocolKind, method string, statusCode int, latencyMs, upstreamLatencyMs *int64, metadata map[string]any) (store.GatewayEvent, error) {
	decision := ""
	if statusCode < 400 {
		decision = "allow"
	}
	return l.append(ctx, store.EventFields{
		RequestID: requestID, TraceID: traceID, ClientID: clientID, Target: target,
		Kind: store.ResponseEventKind(protocolKind), Method: method,
		LatencyMs: latencyMs, UpstreamLatencyMs: upstreamLatencyMs,
		Decision: decision, StatusCode: &statusCode,
		MetadataJSON: mustMarshal(metadata),
	})
}

// LogError records a single gateway_error event for any non-2xx outcome that
// is not itself an auth failure: admission rejection, queue timeout,
// cancellation, or upstream transport failure. Spec §7's error taxonomy maps
// all of these onto one event kind, differentiated by statusCode and the
// error message rather than by a separate kind per failure mode.
func (l *Logger) LogError(ctx context.Context, requestID, traceID, clientID, target string, statusCode int, errMessage string, metadata map[string]any) (store.GatewayEvent, error) {
	return l.append(ctx, store.EventFields{
		RequestID: requestID, TraceID: traceID, ClientID: clientID, Target: target,
		Kind: store.EventError, StatusCode: &statusCode, ErrorMessage: errMessage,
		MetadataJSON: mustMarshal(metadata),
	})
}

// LogShutdown records the shutdown controller's drain outcome as a
// gateway_error event: the closed seven-element taxonomy has no dedicated
// "shutdown" kind, so operational shutdown detail travels in MetadataJSON
// instead, keyed the same way any other gateway_error is.
func (l *Logger) LogShutdown(ctx context.Context, exitCode int, drained, pending int) (store.GatewayEvent, error) {
	return l.append(ctx, store.EventFields{
		RequestID: ids.NewRequestID(), TraceID: ids.NewTraceID(),
		Kind: store.EventError,
		MetadataJSON: mustMarshal(map[string]any{
			"shutdown":  true,
			"exit_code": exitCode,
			"drained":   drained,
			"pending":   pending,
		}),
	})
}

// VerifyChain delegates to the underlying EventStore's tamper-evidence
// check, exposed here for operator tooling that only imports audit.
func (l *Logger) VerifyChain(ctx context.Context) error {
	return l.store.VerifyChain(ctx)
}

func (l *Logger) append(ctx context.Context, fields store.EventFields) (store.GatewayEvent, error) {
	e, err := l.store.AppendEvent(ctx, fields)
	if err != nil {
		if d, ok := l.store.(interface{ MarkDropped() }); ok {
			d.MarkDropped()
		}
		return store.GatewayEvent{}, fmt.Errorf("audit: append %s: %w", fields.Kind, err)
	}
	return e, nil
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// v is always a small map of JSON-serialisable values built by this
		// package's own callers; unreachable in practice.
		panic(fmt.Sprintf("audit: marshal metadata: %v", err))
	}
	return raw
}
