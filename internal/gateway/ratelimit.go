package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig enables per-client token buckets. Clients are keyed by
// their token, or by remote IP when they send none.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

func NewTokenBucket(requestsPerMinute, burstSize int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow refills the bucket up to now and consumes a token if one is
// available.
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
		tb.lastRefill = now
	}
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware enforces per-client rate limits.
type RateLimitMiddleware struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimitMiddleware{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*TokenBucket),
	}
}

// StartEviction periodically drops buckets idle for longer than maxAge
// until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.cfg.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets not accessed within maxAge and returns how many
// were dropped.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	retryAfter := strconv.Itoa(max(1, 60/rl.cfg.RequestsPerMinute))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.getBucket(clientKey(r)).Allow(rl.now()) {
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if key := ExtractToken(r); key != "" {
		return "token:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (rl *RateLimitMiddleware) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize, rl.now())
	rl.buckets[key] = bucket
	return bucket
}
