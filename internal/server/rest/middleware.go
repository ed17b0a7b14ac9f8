// Package rest provides the HTTP REST API layer for the dyntrace collector.
// It includes a chi router, JWT authentication middleware, and handler
// functions for all /api/v1 endpoints.
package rest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type used to store values in request contexts,
// preventing collisions with keys from other packages.
type contextKey int

const (
	// claimsKey is the context key under which validated JWT claims are stored.
	claimsKey contextKey = iota
)

// Scope names granted to a bearer token via the "scope" claim. "runs" names
// access to runs, snapshot metadata and report bodies; NewRouter does not
// check it, and those routes accept any valid token. "audit" is checked by
// NewRouter and allows reading a run's tamper-evident audit trail, which can
// carry more operationally sensitive detail (e.g. exec events, signal
// deliveries) than the trace reports themselves, so it is issued separately.
const (
	ScopeRuns  = "runs"
	ScopeAudit = "audit"
)

// Claims extends the standard jwt.RegisteredClaims with the scopes a token
// is authorized for.
type Claims struct {
	jwt.RegisteredClaims
	Scope []string `json:"scope"`
}

// HasScope reports whether c grants scope. A nil Claims (unauthenticated
// request) never has any scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Scope, scope)
}

// JWTMiddleware returns an HTTP middleware that validates RS256 Bearer tokens.
//
// The middleware extracts the Authorization header value, expects the format
// "Bearer <token>", and validates the token's RS256 signature using pubKey.
// On success, the parsed Claims are stored in the request context and the next
// handler is called. On any validation failure the middleware responds with
// HTTP 401 and does not call next.
func JWTMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
				return
			}
			tokenStr := parts[1]

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return pubKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}))

			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope returns a middleware that rejects requests whose validated
// claims do not grant scope, responding HTTP 403. It must run after
// JWTMiddleware, which populates the claims RequireScope inspects; a request
// reaching RequireScope with no claims in context (JWT validation disabled)
// is rejected rather than treated as implicitly authorized.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "token does not grant the '"+scope+"' scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext retrieves the JWT claims stored in ctx by JWTMiddleware.
// Returns nil if no claims are present (e.g. on unauthenticated routes).
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// writeError writes a JSON error response with the given HTTP status code.
// The response body is {"error": "<message>"}.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
