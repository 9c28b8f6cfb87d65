// Package invoker provides a default gateway.UpstreamInvoker implementation
// for A2A targets: a plain outbound HTTP JSON-RPC client. MCP targets use a
// child-process stdio transport, which is outside this module's scope (see
// spec.md's Non-goals); production deployments supply their own
// gateway.UpstreamInvoker for MCP and wire it alongside HTTPInvoker via a
// small dispatching adapter keyed on gateway.Target.Kind.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tripwire/gateway/internal/gateway"
)

// HTTPInvoker calls an A2A target by POSTing the JSON-RPC request body to a
// URL resolved from the target's ID.
type HTTPInvoker struct {
	client    *http.Client
	targetURL func(targetID string) string
}

// NewHTTPInvoker returns an HTTPInvoker using client (or a default client
// with a 30s timeout if nil) and targetURL to resolve each target ID to its
// upstream endpoint.
func NewHTTPInvoker(client *http.Client, targetURL func(targetID string) string) *HTTPInvoker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPInvoker{client: client, targetURL: targetURL}
}

// Invoke implements gateway.UpstreamInvoker. A non-nil error means the
// upstream was unreachable or returned something that isn't a JSON-RPC
// envelope at all; a populated resp.Error is itself a successful round trip
// carrying a protocol-level failure, and is returned with a nil error (spec
// §4.F, §1).
func (h *HTTPInvoker) Invoke(ctx context.Context, target gateway.Target, req gateway.Request) (gateway.Response, int64, error) {
	if target.Kind != gateway.TargetA2A {
		return gateway.Response{}, 0, fmt.Errorf("invoker: no transport configured for target kind %q", target.Kind)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gateway.Response{}, 0, fmt.Errorf("invoker: marshal request: %w", err)
	}

	url := h.targetURL(target.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gateway.Response{}, 0, fmt.Errorf("invoker: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	upstreamLatencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return gateway.Response{}, upstreamLatencyMs, fmt.Errorf("invoker: call %s: %w", target.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.Response{}, upstreamLatencyMs, fmt.Errorf("invoker: read response from %s: %w", target.ID, err)
	}
	if resp.StatusCode >= 300 {
		return gateway.Response{}, upstreamLatencyMs, fmt.Errorf("invoker: %s responded %d: %s", target.ID, resp.StatusCode, data)
	}

	var rpc gateway.Response
	if err := json.Unmarshal(data, &rpc); err != nil {
		return gateway.Response{}, upstreamLatencyMs, fmt.Errorf("invoker: decode JSON-RPC response from %s: %w", target.ID, err)
	}

	// Whether rpc.Error is set or not, this is a successful transport round
	// trip: the caller (Dispatcher.Dispatch) decides how to shape a
	// protocol-level error into the HTTP response.
	return rpc, upstreamLatencyMs, nil
}
