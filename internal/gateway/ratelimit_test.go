package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(rpm, burst int) (*RateLimitMiddleware, *manualClock, http.Handler) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimitMiddleware(RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, BurstSize: burst})
	rl.now = clock.Now
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	return rl, clock, handler
}

func hit(handler http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenLimited(t *testing.T) {
	_, _, handler := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if rec := hit(handler, "/api/tasks", "test-key"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(handler, "/api/tasks", "test-key")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	_, clock, handler := newTestLimiter(60, 1)

	if rec := hit(handler, "/api/tasks", "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := hit(handler, "/api/tasks", "refill-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	clock.Advance(500 * time.Millisecond)
	if rec := hit(handler, "/api/tasks", "refill-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after half a token, got %d", rec.Code)
	}
	clock.Advance(600 * time.Millisecond)
	if rec := hit(handler, "/api/tasks", "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_RefillCapsAtBurst(t *testing.T) {
	_, clock, handler := newTestLimiter(60, 2)

	clock.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		if rec := hit(handler, "/api/tasks", "idle-key"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := hit(handler, "/api/tasks", "idle-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once burst is spent, got %d", rec.Code)
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	_, _, handler := newTestLimiter(60, 2)

	for i := 0; i < 2; i++ {
		hit(handler, "/api/tasks", "key-a")
	}
	if rec := hit(handler, "/api/tasks", "key-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "/api/tasks", "key-b"); rec.Code != http.StatusOK {
		t.Fatalf("key-b: expected 200, got %d", rec.Code)
	}
	// Anonymous callers are keyed by remote address.
	if rec := hit(handler, "/api/tasks", ""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	_, _, handler := newTestLimiter(60, 1)

	hit(handler, "/api/tasks", "")
	if rec := hit(handler, "/api/tasks", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for /api/tasks, got %d", rec.Code)
	}
	if rec := hit(handler, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, clock, handler := newTestLimiter(60, 10)

	for _, key := range []string{"key-1", "key-2"} {
		hit(handler, "/api/tasks", key)
	}
	clock.Advance(10 * time.Minute)
	hit(handler, "/api/tasks", "key-3")
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}

	if n := rl.EvictStale(5 * time.Minute); n != 2 {
		t.Fatalf("evicted %d, want 2", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket after eviction, got %d", rl.BucketCount())
	}
	if n := rl.EvictStale(time.Hour); n != 0 {
		t.Fatalf("evicted %d fresh buckets", n)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := NewRateLimitMiddleware(RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 5; i++ {
		if rec := hit(handler, "/api/tasks", "k"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("disabled limiter created %d buckets", rl.BucketCount())
	}
}
