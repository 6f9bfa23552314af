package ratelimiter

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew verifies rate limiter creation with different parameters.
func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		requestsPerSecond uint
		burst             uint
		unlimited         bool
		wantBurst         int
	}{
		{name: "standard rate", requestsPerSecond: 100, burst: 200, wantBurst: 200},
		{name: "default burst", requestsPerSecond: 5, burst: 0, wantBurst: 5},
		{name: "unlimited (zero rate)", requestsPerSecond: 0, burst: 0, unlimited: true, wantBurst: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.requestsPerSecond, tt.burst)
			require.NotNil(t, limiter)
			assert.Equal(t, tt.unlimited, limiter.Unlimited())
			assert.Equal(t, tt.wantBurst, limiter.burst)
		})
	}
}

// TestAllow verifies the burst is honored per client.
func TestAllow(t *testing.T) {
	limiter := New(1, 3)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return start }

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "clients have separate buckets")

	limiter.now = func() time.Time { return start.Add(time.Second) }
	assert.True(t, limiter.Allow("a"), "bucket refills")
}

func TestAllow_Unlimited(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, limiter.Allow("a"))
	}
	assert.Zero(t, limiter.Clients())
}

func TestIdleClientsEvicted(t *testing.T) {
	limiter := New(10, 10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	limiter.Allow("b")
	assert.Equal(t, 2, limiter.Clients())

	now = now.Add(2 * DefaultIdleTimeout)
	limiter.Allow("c")
	assert.Equal(t, 1, limiter.Clients())
}

func TestConcurrentAllow(t *testing.T) {
	limiter := New(1, 50)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, allowed, 50)
	assert.LessOrEqual(t, allowed, 52)
}

func TestMiddleware(t *testing.T) {
	limiter := New(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:4242"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:4242"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", ClientKey(req))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(req))
}
