package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter implements per-key fixed-window rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count    int
	windowAt time.Time
}

// NewRateLimiter creates a RateLimiter with the given window length.
// Expired buckets are dropped by Cleanup, which the server runs on a schedule.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RateLimiter{window: window, buckets: make(map[string]*bucket), now: time.Now}
}

// Allow counts one request for key and reports whether it is within limit.
// It also returns the requests left and when the current window resets.
func (rl *RateLimiter) Allow(key string, limit int) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowAt) >= rl.window {
		b = &bucket{windowAt: now}
		rl.buckets[key] = b
	}
	reset := b.windowAt.Add(rl.window)
	if b.count >= limit {
		return false, 0, reset
	}
	b.count++
	return true, limit - b.count, reset
}

// Cleanup drops buckets whose window has ended. It returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	n := 0
	for k, b := range rl.buckets {
		if b.windowAt.Before(cutoff) {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Size returns the number of live buckets.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Endpoint classes for rate limiting and audit.
const (
	classAuth = "auth"
	classSync = "sync"
)

// withRateLimit limits requests per client IP within the endpoint class.
// Rejections are recorded in the store and answered with 429.
func (s *Server) withRateLimit(class string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ok, remaining, reset := s.rateLimiter.Allow(class+":"+ip, limit)

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(remaining))
			secs := int(time.Until(reset).Round(time.Second).Seconds())
			if secs < 0 {
				secs = 0
			}
			h.Set("RateLimit-Reset", strconv.Itoa(secs))

			if !ok {
				s.metrics.RecordRateLimited()
				if err := s.store.InsertRateLimitEvent(r.Context(), ip, class); err != nil {
					logFor(r.Context()).Error().Err(err).Msg("log rate limit event")
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests, try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from RemoteAddr. When the server trusts
// a proxy, RealIP has already rewritten RemoteAddr from the forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
