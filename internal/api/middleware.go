package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

type ctxKey int

const userIDKey ctxKey = iota

// TokenVerifier validates a bearer token and returns the user it identifies.
type TokenVerifier interface {
	VerifyToken(token string) (int64, error)
}

// RequireAuth rejects requests without a valid bearer token and stashes the
// authenticated user ID in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			userID, err := verifier.VerifyToken(auth[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFrom returns the authenticated user ID set by RequireAuth.
func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// submitLimiter applies a per-user token bucket to generation submissions.
type submitLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newSubmitLimiter(limit rate.Limit, burst int) *submitLimiter {
	if burst < 1 {
		burst = 1
	}
	return &submitLimiter{
		limiters: make(map[int64]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *submitLimiter) allow(userID int64) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// limitSubmits rejects over-rate submissions before they touch the ledger.
func limitSubmits(l *submitLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFrom(r.Context())
			if ok && !l.allow(userID) {
				httpError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
