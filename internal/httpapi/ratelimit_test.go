package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/erauner12/syncengine/internal/conflict"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitInfo{WindowSeconds: 60, MaxRequests: 60, Burst: 2})
	rl.now = func() time.Time { return now }

	for i, wantRemaining := range []int{1, 0} {
		allowed, remaining, wait, _ := rl.Allow("u1")
		if !allowed || remaining != wantRemaining || wait != 0 {
			t.Fatalf("request %d: allowed=%v remaining=%d wait=%v", i+1, allowed, remaining, wait)
		}
	}

	allowed, remaining, wait, reset := rl.Allow("u1")
	if allowed || remaining != 0 {
		t.Fatalf("third request: allowed=%v remaining=%d", allowed, remaining)
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s] at one token per second", wait)
	}
	if !reset.After(now) {
		t.Errorf("reset %v should be after now", reset)
	}

	// other users have their own bucket
	if allowed, _, _, _ := rl.Allow("u2"); !allowed {
		t.Error("u2 should not share u1's bucket")
	}

	// a token comes back after one second
	now = now.Add(time.Second)
	if allowed, _, _, _ := rl.Allow("u1"); !allowed {
		t.Error("u1 should be allowed after refill")
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(DefaultRateLimitConfig)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(idleBucketTTL + sweepInterval)
	rl.Allow("active")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["idle"]; ok {
		t.Error("idle bucket should have been evicted")
	}
	if _, ok := rl.buckets["active"]; !ok {
		t.Error("active bucket missing")
	}
}

func TestRateLimiting_429Response(t *testing.T) {
	_, router := newTestServer(t, conflict.DefaultPolicies(), RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10, // Very low for testing
		Burst:         2,  // Allow only 2 requests in burst
	})

	// Burst is 2, so first 2 should succeed, 3rd should fail with 429
	for i := 1; i <= 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, newRequest(t, "GET", "/v1/sync/devices", nil, testUser, "phone"))

		for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Burst"} {
			if rec.Header().Get(h) == "" {
				t.Errorf("Request %d: %s header missing", i, h)
			}
		}
		remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))

		if i <= 2 {
			if rec.Code == http.StatusTooManyRequests {
				t.Errorf("Request %d: Expected success (within burst), got 429: %s", i, rec.Body.String())
			}
			if remaining != 2-i {
				t.Errorf("Request %d: Expected remaining=%d, got %d", i, 2-i, remaining)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("Request %d: Expected 429 Too Many Requests, got %d: %s", i, rec.Code, rec.Body.String())
		}
		retrySeconds, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		if err != nil || retrySeconds < 1 {
			t.Errorf("Retry-After = %q, want >= 1", rec.Header().Get("Retry-After"))
		}
		if remaining != 0 {
			t.Errorf("Request %d: Expected remaining=0 when rate limited, got %d", i, remaining)
		}
	}

	// unauthenticated endpoints are not limited
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sync/info", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Errorf("info: status %d, limit header %q", rec.Code, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimiting_HeaderValues(t *testing.T) {
	_, router := newTestServer(t, conflict.DefaultPolicies(), RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   100,
		Burst:         20,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newRequest(t, "GET", "/v1/sync/devices", nil, testUser, "phone"))

	if limit := rec.Header().Get("X-RateLimit-Limit"); limit != "100" {
		t.Errorf("Expected X-RateLimit-Limit=100, got %s", limit)
	}
	if burst := rec.Header().Get("X-RateLimit-Burst"); burst != "20" {
		t.Errorf("Expected X-RateLimit-Burst=20, got %s", burst)
	}
	if remaining := rec.Header().Get("X-RateLimit-Remaining"); remaining != "19" {
		t.Errorf("Expected X-RateLimit-Remaining=19, got %s", remaining)
	}

	resetUnix, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		t.Errorf("Invalid X-RateLimit-Reset value: %s", rec.Header().Get("X-RateLimit-Reset"))
	}
	if resetUnix < time.Now().Unix() {
		t.Error("X-RateLimit-Reset should not be in the past")
	}
}

func TestRateLimiting_NoSession(t *testing.T) {
	_, router := newTestServer(t, conflict.DefaultPolicies(), DefaultRateLimitConfig)

	// push without a session gets 428, not 429
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, newRequest(t, "POST", "/v1/sync/push", map[string]any{"items": []any{}}, testUser, "phone"))

	if rec.Code != http.StatusPreconditionRequired {
		t.Errorf("Expected 428, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rate limit headers should be present on 428 responses")
	}
}
