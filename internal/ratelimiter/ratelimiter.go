// Package ratelimiter throttles HTTP clients with token buckets.
package ratelimiter

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTimeout is how long an unused client bucket is kept.
const DefaultIdleTimeout = 10 * time.Minute

// RateLimiter keeps one token bucket per client key.
//
// Each bucket refills at requestsPerSecond and holds at most burst tokens.
// A request consumes one token; an empty bucket rejects the request.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
	swept   time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing requestsPerSecond per client with the
// given burst capacity.
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (unlimited)
//   - burst = 0: burst equals requestsPerSecond
func New(requestsPerSecond, burst uint) *RateLimiter {
	r := &RateLimiter{
		limit:   rate.Limit(requestsPerSecond),
		burst:   int(burst),
		idle:    DefaultIdleTimeout,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	if requestsPerSecond == 0 {
		r.limit = rate.Inf
	}
	if r.burst == 0 {
		r.burst = max(int(requestsPerSecond), 1)
	}
	return r
}

// Unlimited reports whether the limiter lets everything through.
func (r *RateLimiter) Unlimited() bool {
	return r.limit == rate.Inf
}

// Allow consumes a token of key's bucket. False means the request should be
// rejected.
func (r *RateLimiter) Allow(key string) bool {
	if r.Unlimited() {
		return true
	}
	now := r.now()
	return r.bucket(key, now).AllowN(now, 1)
}

// Clients returns the number of tracked client buckets.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.swept) > r.idle {
		for k, c := range r.clients {
			if now.Sub(c.lastSeen) > r.idle {
				delete(r.clients, k)
			}
		}
		r.swept = now
	}

	c, ok := r.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// ClientKey identifies the caller of r by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	if r.Unlimited() {
		return next
	}
	retry := strconv.Itoa(max(int(1/float64(r.limit)), 1))
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(ClientKey(req)) {
			w.Header().Set("Retry-After", retry)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
