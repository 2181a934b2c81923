package middleware

import (
	"crypto/subtle"
	"net/http"
)

// RequireWorkerAuth ensures the request carries the shared worker
// secret. Worker endpoints should additionally run on a separate port
// or behind strict network rules; holding the secret lets a worker
// claim tasks, nothing more. All lifecycle mutation still passes the
// per-attempt fencing checks.
func RequireWorkerAuth(workerSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "Missing or invalid authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(workerSecret)) != 1 {
				http.Error(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
