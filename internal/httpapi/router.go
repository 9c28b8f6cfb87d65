// Package httpapi is the gateway's HTTP front door: a chi router exposing
// /health, /mcp/{target}, /a2a/{target}, and /events/stream, wired with the
// auth middleware and the Dispatcher.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/gateway/internal/auth"
	"github.com/tripwire/gateway/internal/gateway"
	"github.com/tripwire/gateway/internal/ids"
	"github.com/tripwire/gateway/internal/reqctx"
)

// eventsReadPermission is the permission required to subscribe to the audit
// event stream (spec §4.E, §4.H).
const eventsReadPermission = "events:read"

// NewRouter returns a configured chi.Router for the gateway.
//
// Route layout:
//
//	GET  /health               – liveness probe, optional ?verbose=1 (no auth)
//	POST /mcp/{target}         – JSON-RPC dispatch to an MCP target (auth required)
//	POST /a2a/{target}         – JSON-RPC dispatch to an A2A target (auth required)
//	GET  /events/stream        – SSE subscription to the audit event feed (auth + events:read required)
//
// resolver is used by the auth middleware on every authenticated route; pass
// nil to disable authentication (tests only — never in production).
func NewRouter(srv *Server, resolver auth.CredentialResolver) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(withRequestID)

	r.Get("/health", srv.handleHealth)

	r.Route("/mcp/{target}", func(r chi.Router) {
		r.Use(perTargetAuth(resolver, srv))
		r.Post("/", srv.handleDispatch(gateway.TargetMCP))
	})
	r.Route("/a2a/{target}", func(r chi.Router) {
		r.Use(perTargetAuth(resolver, srv))
		r.Post("/", srv.handleDispatch(gateway.TargetA2A))
	})

	r.Group(func(r chi.Router) {
		r.Use(perTargetAuth(resolver, srv))
		r.Use(requireEventsRead(srv))
		r.Get("/events/stream", srv.handleEventsStream)
	})

	return r
}

// withRequestID mints the RequestID/TraceID pair for this HTTP request
// exactly once, stores it in the request context via reqctx, and echoes it
// on the response as X-Request-Id/X-Trace-Id. Every downstream component —
// auth middleware, the dispatcher, the audit events they emit — reads the
// same pair from reqctx instead of minting its own (spec §8 invariant 6).
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := ids.NewRequestID()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = ids.NewTraceID()
		}

		w.Header().Set("X-Request-Id", requestID)
		w.Header().Set("X-Trace-Id", traceID)

		ctx := reqctx.WithIDs(r.Context(), requestID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// perTargetAuth wraps auth.Middleware, resolving the route's {target} path
// segment (when present) at request time so audit events record which
// target the caller authenticated against.
func perTargetAuth(resolver auth.CredentialResolver, srv *Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := chi.URLParam(r, "target")
			auth.Middleware(resolver, srv.auditor, srv.hub, target)(next).ServeHTTP(w, r)
		})
	}
}

// requireEventsRead gates the SSE route on the events:read permission,
// matching the enforcement perTargetAuth applies for /mcp and /a2a routes
// (spec §4.E finding: permission checks must not be built and left unwired).
func requireEventsRead(srv *Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return auth.RequirePermission(srv.auditor, srv.hub, "", eventsReadPermission)(next)
	}
}
