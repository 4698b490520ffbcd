package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitAllowsBurstThenThrottles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimit(ctx)(ok)

	var statuses []int
	for i := 0; i < 40; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	// the burst passes, then the bucket runs dry
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Contains(t, statuses, http.StatusTooManyRequests)

	// a different client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
	req.RemoteAddr = "198.51.100.7:9000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitPruneLoopStopsOnCancel(t *testing.T) {
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	_ = RateLimit(ctx)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() > before
	}, time.Second, 5*time.Millisecond, "prune goroutine never started")

	cancel()
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, time.Second, 5*time.Millisecond, "prune goroutine kept running after cancel")
}
