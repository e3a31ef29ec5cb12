package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(window time.Duration) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(window)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterAllowDeny(t *testing.T) {
	rl, _ := newTestLimiter(time.Minute)

	// Should allow up to the limit
	for i := 0; i < 5; i++ {
		ok, remaining, _ := rl.Allow("k1", 5)
		if !ok {
			t.Fatalf("expected allow on request %d", i+1)
		}
		if remaining != 4-i {
			t.Fatalf("remaining: got %d, want %d", remaining, 4-i)
		}
	}

	// Should deny at the limit
	if ok, _, _ := rl.Allow("k1", 5); ok {
		t.Fatal("expected deny after limit reached")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl, now := newTestLimiter(time.Minute)

	for i := 0; i < 3; i++ {
		rl.Allow("k1", 3)
	}
	ok, _, reset := rl.Allow("k1", 3)
	if ok {
		t.Fatal("expected deny after limit")
	}
	if want := now.Add(time.Minute); !reset.Equal(want) {
		t.Fatalf("reset: got %v, want %v", reset, want)
	}

	*now = now.Add(time.Minute)
	if ok, _, _ := rl.Allow("k1", 3); !ok {
		t.Fatal("expected allow after window reset")
	}
}

func TestRateLimiterKeyIsolation(t *testing.T) {
	rl, _ := newTestLimiter(time.Minute)

	for i := 0; i < 2; i++ {
		rl.Allow("key1", 2)
	}
	if ok, _, _ := rl.Allow("key1", 2); ok {
		t.Fatal("key1 should be exhausted")
	}
	if ok, _, _ := rl.Allow("key2", 2); !ok {
		t.Fatal("key2 should be unaffected")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, now := newTestLimiter(time.Minute)
	rl.Allow("a", 1)
	*now = now.Add(30 * time.Second)
	rl.Allow("b", 1)

	*now = now.Add(45 * time.Second)
	if n := rl.Cleanup(); n != 1 {
		t.Fatalf("cleanup removed %d, want 1", n)
	}
	if rl.Size() != 1 {
		t.Fatalf("size: got %d, want 1", rl.Size())
	}
}

func TestAuthRateLimit(t *testing.T) {
	h := newTestHarness(t, withConfig(func(c *Config) { c.RateLimitAuth = 3 }))

	body := map[string]string{"email": "rl@example.com", "password": "secret123"}
	for i := 0; i < 3; i++ {
		resp := h.Do("POST", "/auth/login", "", body)
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited early", i+1)
		}
		if resp.Header.Get("RateLimit-Limit") != "3" {
			t.Fatalf("RateLimit-Limit: %q", resp.Header.Get("RateLimit-Limit"))
		}
	}

	resp := h.Do("POST", "/auth/login", "", body)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	expectErrCode(t, resp, ErrCodeRateLimited)

	n, err := h.Store.CountRateLimitEvents(t.Context(), "127.0.0.1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("rate limit events: got %d, want 1", n)
	}

	// Routes outside the auth class are not limited by it.
	resp = h.Do("GET", "/health", "", nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestSyncRateLimitIsSeparate(t *testing.T) {
	h := newTestHarness(t, withConfig(func(c *Config) {
		c.RateLimitAuth = 1
		c.RateLimitSync = 2
	}))
	token := h.Register("sep@example.com")

	expectStatus(t, h.Do("GET", "/sync", token, nil), http.StatusOK)
	expectStatus(t, h.Do("GET", "/sync", token, nil), http.StatusOK)
	expectStatus(t, h.Do("GET", "/sync", token, nil), http.StatusTooManyRequests)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	if got := clientIP(r); got != "10.1.2.3" {
		t.Fatalf("clientIP: got %q", got)
	}
	r.RemoteAddr = "10.1.2.3"
	if got := clientIP(r); got != "10.1.2.3" {
		t.Fatalf("clientIP without port: got %q", got)
	}
}
