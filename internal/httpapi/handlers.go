package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/auth"
	"github.com/tripwire/gateway/internal/gateway"
	"github.com/tripwire/gateway/internal/gateway/queue"
	"github.com/tripwire/gateway/internal/reqctx"
	"github.com/tripwire/gateway/internal/sse"
	"github.com/tripwire/gateway/internal/store"
)

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	dispatcher *gateway.Dispatcher
	auditor    *audit.Logger
	evStore    store.EventStore
	queues     *queue.Manager
	hub        *sse.Hub
	maxBody    int64
}

// NewServer creates a Server. maxBody caps the number of bytes read from a
// request body before Dispatch is attempted; a request exceeding it is
// rejected with HTTP 413.
func NewServer(dispatcher *gateway.Dispatcher, auditor *audit.Logger, evStore store.EventStore, queues *queue.Manager, hub *sse.Hub, maxBody int64) *Server {
	return &Server{
		dispatcher: dispatcher,
		auditor:    auditor,
		evStore:    evStore,
		queues:     queues,
		hub:        hub,
		maxBody:    maxBody,
	}
}

// handleHealth responds to GET /health. With ?verbose=1 it additionally
// reports per-target queue depth/inflight and the event store's diagnostics,
// satisfying SPEC_FULL.md §7's extended health payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if r.URL.Query().Get("verbose") == "1" {
		targets := map[string]any{}
		for _, t := range s.queues.Targets() {
			q := s.queues.Get(t)
			targets[t] = map[string]any{
				"depth":    q.Depth(),
				"inflight": q.Inflight(),
				"capacity": q.Capacity(),
			}
		}
		resp["targets"] = targets

		if s.evStore != nil {
			diag, err := s.evStore.Diagnose(r.Context())
			if err != nil {
				resp["store_error"] = err.Error()
			} else {
				resp["store"] = diag
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleDispatch returns an http.HandlerFunc that dispatches the request
// body to the {target} path segment as the given TargetKind. requestID and
// traceID are read from reqctx, populated once by the router's outermost
// middleware, so they match the pair already recorded on this request's
// auth event (spec §8 invariant 6).
func (s *Server) handleDispatch(kind gateway.TargetKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := gateway.Target{ID: chi.URLParam(r, "target"), Kind: kind}

		requestID := reqctx.RequestID(r.Context())
		traceID := reqctx.TraceID(r.Context())

		var clientID string
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			clientID = identity.Subject
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
			return
		}
		if int64(len(body)) > s.maxBody {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body exceeds configured limit")
			return
		}

		resp, status := s.dispatcher.Dispatch(r.Context(), target, requestID, traceID, clientID, body)
		writeJSON(w, status, resp)
	}
}

// handleEventsStream responds to GET /events/stream by attaching a new SSE
// subscriber to the Hub and streaming GatewayEvents as they are broadcast.
// Query parameters `target`, `kinds` (CSV of event kinds), and `client_id`
// narrow the subscription filter (spec §4.H).
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	filter := sse.NewFilter(r.URL.Query().Get("target"), parseKinds(r.URL.Query().Get("kinds")), parseCSV(r.URL.Query().Get("client_id")))

	// Subscriber IDs are internal bookkeeping keys, never compared for
	// creation order, so a plain UUID is used here rather than the ULIDs
	// minted for request/trace correlation.
	subscriberID := uuid.NewString()
	sub := s.hub.Attach(subscriberID, filter)
	defer s.hub.Detach(subscriberID)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case raw, ok := <-sub.Events():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: gateway_event\ndata: %s\n\n", raw)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// parseKinds splits a CSV query parameter into EventKinds, discarding empty
// entries. An empty csv yields a nil slice, which sse.NewFilter treats as
// "match every kind".
func parseKinds(csv string) []store.EventKind {
	parts := parseCSV(csv)
	if parts == nil {
		return nil
	}
	kinds := make([]store.EventKind, 0, len(parts))
	for _, p := range parts {
		kinds = append(kinds, store.EventKind(p))
	}
	return kinds
}

func parseCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	raw := strings.Split(csv, ",")
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes the gateway's standard error envelope (spec §6):
// {"error": {"code": "<SYMBOLIC_CODE>", "message": "<human-readable>"}}.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
