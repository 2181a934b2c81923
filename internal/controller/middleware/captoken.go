package middleware

import (
	"context"
	"errors"
	"net/http"

	"flowplane/internal/captoken"
	"flowplane/internal/store"
)

// TokenVerifier verifies a capability token and binds it to the current
// task row. lifecycle.Manager satisfies this.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*captoken.Claims, *store.Task, error)
}

type capClaimsKey struct{}
type capTaskKey struct{}

// CapTokenAuth authenticates fenced task endpoints with the attempt's
// capability token. A token whose attempt no longer matches the task
// row, or whose bound task differs from the task in the request path,
// is rejected here, before the handler runs; the store-level fencing
// checks remain the authority.
func CapTokenAuth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, task, err := v.VerifyToken(r.Context(), token)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, store.ErrStaleAttempt) {
					status = http.StatusConflict
				}
				http.Error(w, "Invalid capability token", status)
				return
			}

			// The token authorizes exactly one task. On task-scoped
			// routes the path id must match the token's binding; the
			// credentials route carries no id and works off the claims.
			if id := r.PathValue("id"); id != "" && claims.TaskID != id {
				http.Error(w, "Capability token not valid for this task", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), capClaimsKey{}, claims)
			ctx = context.WithValue(ctx, capTaskKey{}, task)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CapClaimsFromContext extracts the verified capability claims.
func CapClaimsFromContext(ctx context.Context) (*captoken.Claims, bool) {
	claims, ok := ctx.Value(capClaimsKey{}).(*captoken.Claims)
	return claims, ok
}

// CapTaskFromContext extracts the task the capability token is bound to.
func CapTaskFromContext(ctx context.Context) (*store.Task, bool) {
	task, ok := ctx.Value(capTaskKey{}).(*store.Task)
	return task, ok
}
