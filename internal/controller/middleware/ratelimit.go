package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deplay/pkg/api"
)

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // client IP -> *cachedLimiter
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an idle client's limiter is kept.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// WithRate sets the allowed requests per second and burst.
// A non-positive rate means unlimited.
func WithRate(perSecond float64, burst int) Option {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// NewRateLimiter creates a limiter allowing one request per second with a burst of 5.
func NewRateLimiter(opts ...Option) *RateLimiter {
	rl := &RateLimiter{limit: 1, burst: 5, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.burst < 1 {
		rl.burst = 1
	}
	return rl
}

// Middleware rejects clients over their limit with 429.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Rate 0 means unlimited
			if rl.limit > 0 && !rl.get(clientIP(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(api.ErrorResponse{
					Error: "Too Many Requests",
					Code:  "429",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Load(key); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(rl.ttl),
	})
	return limiter
}

// clientIP uses the connection address. Forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
