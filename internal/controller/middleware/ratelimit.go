package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"flowplane/internal/store"
	"flowplane/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimit throttles operator requests per org using each org's
// configured limit. Must run after OrgAuth.
func RateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limiters := sync.Map{} // org id -> *cachedLimiter

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org, ok := OrgFromContext(r.Context())
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Unauthorized",
					Code:  "401",
				})
				return
			}

			// RateLimit=0 means unlimited
			if org.RateLimit > 0 {
				limiter := getOrCreateLimiter(&limiters, org, 5*time.Minute)
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func getOrCreateLimiter(limiters *sync.Map, org *store.Org, ttl time.Duration) *rate.Limiter {
	if v, ok := limiters.Load(org.ID); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		limiters.CompareAndDelete(org.ID, v)
	}

	// Concurrent first requests converge on a single limiter.
	fresh := &cachedLimiter{
		limiter:   rate.NewLimiter(rate.Limit(org.RateLimit), org.RateLimitBurst),
		expiresAt: time.Now().Add(ttl),
	}
	v, _ := limiters.LoadOrStore(org.ID, fresh)
	return v.(*cachedLimiter).limiter
}
