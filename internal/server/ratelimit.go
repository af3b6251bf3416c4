package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per caller. Callers are identified by the
// authenticated user, else by remote address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows rps requests per second per caller with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Middleware rejects requests over the limit with 429 and writes
// x-ratelimit-* headers on every response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if p := GetPrincipal(r.Context()); p != nil {
			key = "user:" + p.UserID
		}
		l := rl.limiter(key)
		allowed := l.Allow()

		h := w.Header()
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.burst))
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(int(math.Max(0, math.Floor(l.Tokens())))))
		if !allowed {
			retry := 1
			if rl.limit > 0 {
				retry = int(math.Ceil(1 / float64(rl.limit)))
			}
			h.Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
