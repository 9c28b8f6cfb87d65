// Package auth resolves an inbound HTTP request's bearer token into a
// ClientIdentity and gates routes on the permissions it carries. The default
// CredentialResolver validates RS256-signed JWTs; callers needing a
// different credential scheme (mTLS client certs, API keys) implement
// CredentialResolver themselves — external credential stores remain outside
// this package's scope.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/reqctx"
	"github.com/tripwire/gateway/internal/sse"
	"github.com/tripwire/gateway/internal/store"
)

// ParseRSAPublicKeyFromPEM parses a PEM-encoded RSA public key, accepting
// both PKIX ("PUBLIC KEY") and PKCS1 ("RSA PUBLIC KEY") block types.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("auth: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: key is not an RSA public key")
	}
	return key, nil
}

// Sentinel resolution failures. Middleware maps each to a stable, symbolic
// deny reason recorded on the gateway_auth_failure audit event (spec §4.E).
var (
	ErrMissingCredential   = errors.New("auth: missing Authorization header")
	ErrMalformedCredential = errors.New("auth: malformed Authorization header")
	ErrInvalidCredential   = errors.New("auth: invalid or expired token")
)

// ClientIdentity is the resolved caller of an authenticated request.
type ClientIdentity struct {
	Subject     string
	Permissions []string
}

// HasPermission reports whether the identity carries perm.
func (c ClientIdentity) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// CredentialResolver resolves r's credentials into a ClientIdentity. It
// returns one of the sentinel errors above (or a wrapped variant) describing
// why resolution failed; Middleware records only the matching symbolic deny
// reason on the audit trail, and the error text is never returned to the
// client.
type CredentialResolver interface {
	Resolve(r *http.Request) (ClientIdentity, error)
}

// claims extends jwt.RegisteredClaims with the permission set the gateway's
// middleware checks against route requirements.
type claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// JWTResolver is the default CredentialResolver: RS256 Bearer token
// validation against a single public key.
type JWTResolver struct {
	PublicKey *rsa.PublicKey
}

// NewJWTResolver returns a JWTResolver for pubKey.
func NewJWTResolver(pubKey *rsa.PublicKey) *JWTResolver {
	return &JWTResolver{PublicKey: pubKey}
}

// Resolve implements CredentialResolver.
func (j *JWTResolver) Resolve(r *http.Request) (ClientIdentity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ClientIdentity{}, ErrMissingCredential
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ClientIdentity{}, ErrMalformedCredential
	}

	var c claims
	token, err := jwt.ParseWithClaims(parts[1], &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !token.Valid {
		return ClientIdentity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return ClientIdentity{
		Subject:     c.Subject,
		Permissions: c.Permissions,
	}, nil
}

// denyReason maps a CredentialResolver error to the symbolic code recorded
// as GatewayEvent.DenyReason.
func denyReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	default:
		return "invalid_credential"
	}
}

type contextKey int

const identityKey contextKey = iota

// IdentityFromContext retrieves the ClientIdentity stored by Middleware.
// The second return value is false on unauthenticated routes.
func IdentityFromContext(ctx context.Context) (ClientIdentity, bool) {
	id, ok := ctx.Value(identityKey).(ClientIdentity)
	return id, ok
}

// Middleware resolves the caller's identity with resolver, stores it in the
// request context, and emits an audit event recording success or failure,
// broadcasting it to hub for live observers. target names the route's
// target for the audit record (e.g. the path's {target} segment); pass ""
// on routes with no single target. requestID/traceID are read from
// reqctx, which an outer middleware must have already populated — Middleware
// itself never mints IDs, so every event for one HTTP request shares the
// same pair (spec §8 invariant 6).
//
// On resolution failure the middleware responds 401 and does not call next.
func Middleware(resolver CredentialResolver, auditor *audit.Logger, hub *sse.Hub, target string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := reqctx.RequestID(r.Context())
			traceID := reqctx.TraceID(r.Context())

			identity, err := resolver.Resolve(r)
			if err != nil {
				event, logErr := auditor.LogAuthFailure(r.Context(), requestID, traceID, "", target, denyReason(err))
				if logErr == nil {
					broadcast(hub, event)
				}
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication failed")
				return
			}

			event, logErr := auditor.LogAuthSuccess(r.Context(), requestID, traceID, identity.Subject, target, identity.Permissions)
			if logErr == nil {
				broadcast(hub, event)
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns middleware that responds 403 unless the
// request's resolved ClientIdentity carries perm, emitting a
// gateway_auth_failure event with DenyReason "forbidden:<perm>" on denial
// (spec §4.E). It must run after Middleware in the chain.
func RequirePermission(auditor *audit.Logger, hub *sse.Hub, target, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok || !identity.HasPermission(perm) {
				requestID := reqctx.RequestID(r.Context())
				traceID := reqctx.TraceID(r.Context())
				event, err := auditor.LogAuthFailure(r.Context(), requestID, traceID, identity.Subject, target, "forbidden:"+perm)
				if err == nil {
					broadcast(hub, event)
				}
				writeError(w, http.StatusForbidden, "FORBIDDEN", "missing required permission: "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func broadcast(hub *sse.Hub, e store.GatewayEvent) {
	if hub == nil {
		return
	}
	hub.Broadcast(e)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
