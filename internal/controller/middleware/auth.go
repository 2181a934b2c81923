// Package middleware contains HTTP middleware for the orchestrator.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"flowplane/internal/auth"
	"flowplane/internal/store"

	"github.com/google/uuid"
)

// orgKey is the context key for the authenticated org.
type orgKey struct{}

// OrgAuth authenticates operator requests by API key. The key travels
// as a Bearer token; only its SHA-256 hash is ever stored or compared.
// Every operator-facing operation must be scoped by org_id.
func OrgAuth(s store.OrgStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			org, err := s.GetOrgByAPIKeyHash(r.Context(), auth.HashKey(apiKey))
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, "Internal error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), orgKey{}, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgFromContext extracts the authenticated org from the context.
func OrgFromContext(ctx context.Context) (*store.Org, bool) {
	org, ok := ctx.Value(orgKey{}).(*store.Org)
	return org, ok
}

// OrgIDFromContext extracts the authenticated org's id from the context.
func OrgIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	org, ok := OrgFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return org.ID, true
}

// bearerToken pulls the token out of the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
