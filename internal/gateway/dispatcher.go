// Package gateway implements the Dispatcher: the component that parses an
// inbound JSON-RPC 2.0 envelope, classifies its target as MCP or A2A,
// submits it to that target's PerTargetQueue, and shapes the upstream
// result (or failure) back into a JSON-RPC response with the right HTTP
// status code.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/gateway/queue"
	"github.com/tripwire/gateway/internal/sse"
	"github.com/tripwire/gateway/internal/store"
)

// TargetKind distinguishes the two upstream protocols the gateway fronts.
// Its string values match store.ProtocolKind's so the two can be cast
// between freely without either package importing the other.
type TargetKind string

const (
	TargetMCP TargetKind = "mcp"
	TargetA2A TargetKind = "a2a"
)

// protocolKind maps a TargetKind onto the store's ProtocolKind.
func (k TargetKind) protocolKind() store.ProtocolKind {
	if k == TargetA2A {
		return store.ProtocolA2A
	}
	return store.ProtocolMCP
}

// Target identifies one upstream tool server.
type Target struct {
	ID   string
	Kind TargetKind
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request is a parsed JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result or
// Error is populated, matching the spec's invariant for a well-formed
// response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// UpstreamInvoker performs the actual call to a target's tool server. The
// gateway never implements this itself: stdio child-process transport (MCP)
// and outbound HTTP transport (A2A) are external collaborators supplied by
// the caller at wiring time.
//
// Invoke returns a Go error only for a transport-level failure — the
// upstream was unreachable, the connection was reset, the response body
// could not be parsed as JSON-RPC. A JSON-RPC-level failure (the upstream
// answered with a well-formed envelope whose "error" member is set) is not
// a Go error: it comes back as a Response with Error populated and a nil
// error, and Dispatch passes it through as a 200 response per spec §4.F.
// upstreamLatencyMs measures only the round trip to the upstream, excluding
// time spent waiting in the target's queue.
type UpstreamInvoker interface {
	Invoke(ctx context.Context, target Target, req Request) (resp Response, upstreamLatencyMs int64, err error)
}

// JSON-RPC 2.0 reserved error codes (https://www.jsonrpc.org/specification).
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeInternalError  = -32603
)

// Gateway-specific error codes, taken from the -32000..-32099 block that
// JSON-RPC 2.0 sets aside for implementation-defined server errors.
const (
	codeQueueFull    = -32000
	codeQueueTimeout = -32001
	codeShutdown     = -32002
	codeUpstream     = -32003
)

// Dispatcher wires the queue Manager, the audit façade, and the SSE Hub
// together for one HTTP front door.
type Dispatcher struct {
	Queues  *queue.Manager
	Invoker UpstreamInvoker
	Auditor *audit.Logger
	Hub     *sse.Hub

	// KnownTargets restricts Dispatch to the given target IDs, returning 404
	// for any other target. A nil map (the zero value) accepts every target
	// ID, which is convenient for tests; production wiring should always set
	// this from the configured target list.
	KnownTargets map[string]bool
}

// New creates a Dispatcher. invoker performs the actual upstream call for
// both MCP and A2A targets; callers typically pass a small adapter that
// dispatches to the appropriate transport based on Target.Kind.
func New(queues *queue.Manager, invoker UpstreamInvoker, auditor *audit.Logger, hub *sse.Hub) *Dispatcher {
	return &Dispatcher{Queues: queues, Invoker: invoker, Auditor: auditor, Hub: hub}
}

// invokeResult is what a queued job produces: a shaped JSON-RPC Response and
// the upstream latency measured around the invoker call.
type invokeResult struct {
	resp              Response
	upstreamLatencyMs int64
}

// Dispatch parses body as a JSON-RPC 2.0 request, submits it to target's
// queue, and returns the shaped Response along with the HTTP status code the
// caller should respond with. requestID, traceID, and clientID are shared
// across every audit event this call produces, so they must already be
// resolved by the caller (spec §8 invariant 6).
func (d *Dispatcher) Dispatch(ctx context.Context, target Target, requestID, traceID, clientID string, body []byte) (Response, int) {
	if d.KnownTargets != nil && !d.KnownTargets[target.ID] {
		return errorResponse(nil, codeInvalidRequest, fmt.Sprintf("unknown target %q", target.ID)), http.StatusNotFound
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, codeParseError, "invalid JSON"), http.StatusBadRequest
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "request must set jsonrpc=\"2.0\" and method"), http.StatusBadRequest
	}

	protoKind := target.Kind.protocolKind()

	if event, err := d.Auditor.LogRequest(ctx, requestID, traceID, clientID, target.ID, protoKind, req.Method); err == nil {
		d.broadcast(event)
	}

	q := d.Queues.Get(target.ID)
	submittedAt := time.Now()

	// startedAfterMs records how long the job waited before a worker ran it;
	// -1 means it never started executing.
	var startedAfterMs atomic.Int64
	startedAfterMs.Store(-1)

	result, err := q.Submit(ctx, requestID, traceID, func(jobCtx context.Context) (any, error) {
		startedAfterMs.Store(time.Since(submittedAt).Milliseconds())
		resp, upstreamLatencyMs, invokeErr := d.Invoker.Invoke(jobCtx, target, req)
		if invokeErr != nil {
			return nil, invokeErr
		}
		return invokeResult{resp: resp, upstreamLatencyMs: upstreamLatencyMs}, nil
	})

	queueWaitMs := time.Since(submittedAt).Milliseconds()
	if w := startedAfterMs.Load(); w >= 0 {
		queueWaitMs = w
	}

	if err != nil {
		return d.shapeError(ctx, target.ID, requestID, traceID, clientID, protoKind, req.Method, req.ID, q, queueWaitMs, err)
	}

	ir, ok := result.(invokeResult)
	if !ok {
		return errorResponse(req.ID, codeInternalError, "upstream returned a malformed result"), http.StatusInternalServerError
	}

	resp := ir.resp
	resp.JSONRPC = "2.0"
	resp.ID = req.ID

	statusCode := http.StatusOK
	metadata := map[string]any{"queue_wait_ms": queueWaitMs}
	if resp.Error != nil {
		// A JSON-RPC-level failure is still a 200 at the transport level
		// (spec §4.F, §1): the gateway only changes HTTP status for
		// transport/admission failures, never for protocol errors the
		// upstream itself reported.
		metadata["rpc_error_code"] = resp.Error.Code
	}

	latencyMs := time.Since(submittedAt).Milliseconds()
	upstreamLatencyMs := ir.upstreamLatencyMs
	if event, err := d.Auditor.LogResponse(ctx, requestID, traceID, clientID, target.ID, protoKind, req.Method, statusCode, &latencyMs, &upstreamLatencyMs, metadata); err == nil {
		d.broadcast(event)
	}

	return resp, statusCode
}

func (d *Dispatcher) shapeError(ctx context.Context, target, requestID, traceID, clientID string, protoKind store.ProtocolKind, method string, reqID json.RawMessage, q *queue.Queue, queueWaitMs int64, err error) (Response, int) {
	metadata := map[string]any{"queue_wait_ms": queueWaitMs}

	switch {
	case errors.Is(err, queue.ErrQueueFull):
		metadata["depth"] = q.Depth()
		metadata["capacity"] = q.Capacity()
		if event, logErr := d.Auditor.LogError(ctx, requestID, traceID, clientID, target, http.StatusServiceUnavailable, "target queue is full", metadata); logErr == nil {
			d.broadcast(event)
		}
		return errorResponse(reqID, codeQueueFull, "target queue is full"), http.StatusServiceUnavailable

	case errors.Is(err, queue.ErrQueueTimeout):
		if event, logErr := d.Auditor.LogError(ctx, requestID, traceID, clientID, target, http.StatusGatewayTimeout, "request timed out waiting in queue", metadata); logErr == nil {
			d.broadcast(event)
		}
		return errorResponse(reqID, codeQueueTimeout, "request timed out waiting in queue"), http.StatusGatewayTimeout

	case errors.Is(err, queue.ErrShutdown):
		if event, logErr := d.Auditor.LogError(ctx, requestID, traceID, clientID, target, http.StatusServiceUnavailable, "gateway is shutting down", metadata); logErr == nil {
			d.broadcast(event)
		}
		return errorResponse(reqID, codeShutdown, "gateway is shutting down"), http.StatusServiceUnavailable

	case errors.Is(err, context.Canceled):
		metadata["reason"] = "client disconnected"
		if event, logErr := d.Auditor.LogError(ctx, requestID, traceID, clientID, target, http.StatusServiceUnavailable, "request cancelled", metadata); logErr == nil {
			d.broadcast(event)
		}
		return errorResponse(reqID, codeShutdown, "request cancelled"), http.StatusServiceUnavailable

	default:
		metadata["upstream_error"] = err.Error()
		if event, logErr := d.Auditor.LogError(ctx, requestID, traceID, clientID, target, http.StatusBadGateway, "upstream invocation failed", metadata); logErr == nil {
			d.broadcast(event)
		}
		return errorResponse(reqID, codeUpstream, "upstream invocation failed"), http.StatusBadGateway
	}
}

// broadcast publishes a persisted GatewayEvent to the SSE Hub for live
// observers. It is best-effort and never blocks the request path.
func (d *Dispatcher) broadcast(e store.GatewayEvent) {
	if d.Hub == nil {
		return
	}
	d.Hub.Broadcast(e)
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}
