// Package store defines the EventStore contract: the durable, queryable,
// tamper-evident record of everything the gateway does. Two implementations
// are provided — internal/store/sqlitestore (the embedded default) and
// internal/store/pgstore (for deployments with a shared PostgreSQL instance)
// — both satisfying the same interface so the rest of the gateway never
// imports a storage driver directly.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind classifies a GatewayEvent. This is the closed, seven-element
// taxonomy the gateway emits; nothing else is ever written to the store.
type EventKind string

const (
	EventAuthSuccess EventKind = "gateway_auth_success"
	EventAuthFailure EventKind = "gateway_auth_failure"
	EventMCPRequest  EventKind = "gateway_mcp_request"
	EventMCPResponse EventKind = "gateway_mcp_response"
	EventA2ARequest  EventKind = "gateway_a2a_request"
	EventA2AResponse EventKind = "gateway_a2a_response"
	EventError       EventKind = "gateway_error"
)

// ProtocolKind distinguishes the two upstream protocol families, used to
// pick the request/response EventKind pair for a given target. It mirrors
// gateway.TargetKind's string values without importing that package.
type ProtocolKind string

const (
	ProtocolMCP ProtocolKind = "mcp"
	ProtocolA2A ProtocolKind = "a2a"
)

// RequestEventKind returns the *_request EventKind for protocolKind.
func RequestEventKind(protocolKind ProtocolKind) EventKind {
	if protocolKind == ProtocolA2A {
		return EventA2ARequest
	}
	return EventMCPRequest
}

// ResponseEventKind returns the *_response EventKind for protocolKind.
func ResponseEventKind(protocolKind ProtocolKind) EventKind {
	if protocolKind == ProtocolA2A {
		return EventA2AResponse
	}
	return EventMCPResponse
}

// EventFields is the caller-supplied content of one GatewayEvent. Seq,
// EventID, Timestamp, PrevHash, and EventHash are assigned by the
// EventStore implementation on AppendEvent.
//
// LatencyMs, UpstreamLatencyMs, and StatusCode are pointers so that an
// unknown quantity (nil) never collides with a genuine zero value — a 0ms
// latency and "latency unknown" must be distinguishable.
type EventFields struct {
	RequestID string
	TraceID   string
	ClientID  string
	Target    string
	Kind      EventKind
	Method    string

	LatencyMs         *int64
	UpstreamLatencyMs *int64

	// Decision is "allow", "deny", or "" (unset). Set directly by the
	// caller for auth events; normalized from StatusCode by the audit
	// façade for response events.
	Decision   string
	DenyReason string

	ErrorMessage string
	StatusCode   *int

	MetadataJSON json.RawMessage
}

// GatewayEvent is one durable, hash-chained record in the event store.
//
// EventHash is the SHA-256 hex digest covering every field below except
// itself. PrevHash links to the EventHash of the previous event in the same
// chain (see VerifyChain). EventID, PrevHash, and EventHash are populated by
// the EventStore implementation on AppendEvent; callers never set them.
type GatewayEvent struct {
	Seq       int64     `json:"seq"`
	EventID   string    `json:"event_id"`
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	ClientID  string    `json:"client_id"`
	Target    string    `json:"target_id,omitempty"`
	Kind      EventKind `json:"event_kind"`
	Method    string    `json:"method,omitempty"`
	Timestamp time.Time `json:"ts"`

	LatencyMs         *int64 `json:"latency_ms,omitempty"`
	UpstreamLatencyMs *int64 `json:"upstream_latency_ms,omitempty"`

	Decision   string `json:"decision,omitempty"`
	DenyReason string `json:"deny_reason,omitempty"`

	ErrorMessage string `json:"error,omitempty"`
	StatusCode   *int   `json:"status_code,omitempty"`

	MetadataJSON json.RawMessage `json:"metadata_json,omitempty"`

	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
}

// EventQuery carries the filter and pagination parameters for Query.
// From and To are mandatory and bracket Timestamp. Limit ≤ 0 defaults to
// 100. An empty Target or ClientID, or an empty Kinds set, matches every
// target, client, or kind respectively.
type EventQuery struct {
	Target   string
	ClientID string
	Kinds    []EventKind
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// Diagnostics summarizes the health of an EventStore for the extended
// /health payload (SPEC_FULL.md §7).
type Diagnostics struct {
	TotalEvents   int64 `json:"total_events"`
	DroppedEvents int64 `json:"dropped_events"`
	ChainIntact   bool  `json:"chain_intact"`
}

// EventStore is the durable, queryable record of every gateway event.
// Implementations must be safe for concurrent use.
type EventStore interface {
	// AppendEvent persists one event, stamping EventID, EventHash, and
	// PrevHash, and returns the fully populated record.
	AppendEvent(ctx context.Context, fields EventFields) (GatewayEvent, error)

	// Query returns events matching q, ordered by Seq ascending.
	Query(ctx context.Context, q EventQuery) ([]GatewayEvent, error)

	// VerifyChain walks the full hash chain and returns the first integrity
	// violation encountered, or nil if the chain is intact.
	VerifyChain(ctx context.Context) error

	// Diagnose reports store-level health counters for the extended health
	// endpoint.
	Diagnose(ctx context.Context) (Diagnostics, error)

	// Repair re-applies the schema idempotently, re-creating a missing table
	// or index without touching stored events; the SQLite backend then also
	// runs an integrity check and reports its first problem. It neither adds
	// missing columns to an existing table nor rebuilds a corrupted index. It
	// is invoked by operator tooling, not by the request path.
	Repair(ctx context.Context) error

	// Close releases the store's underlying resources.
	Close() error
}
