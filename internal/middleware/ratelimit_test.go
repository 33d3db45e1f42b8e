package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if rl.Allow("key") {
		t.Error("6th request should be denied")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 3)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.Allow("key")
	}
	if rl.Allow("key") {
		t.Error("should be blocked before refill")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("key") {
		t.Error("should be allowed after one interval")
	}
	if rl.Allow("key") {
		t.Error("only one token should have refilled")
	}
}

func TestRateLimiterSeparateKeys(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)

	rl.Allow("a")
	rl.Allow("a")

	if rl.Allow("a") {
		t.Error("key a should be blocked")
	}
	if !rl.Allow("b") {
		t.Error("key b should be allowed")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 5)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(20 * time.Minute)
	rl.Allow("fresh")

	if removed := rl.Cleanup(10 * time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("entries = %d, want 1", rl.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	keyFunc := func(r *http.Request) string { return "test" }

	handler := RateLimit(rl, keyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/auth/login", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/auth/login", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRemoteIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		want   string
	}{
		{"host port", "9.9.9.9:4321", "9.9.9.9"},
		{"ipv6", "[2001:db8::1]:443", "2001:db8::1"},
		{"bare", "9.9.9.9", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			r.Header.Set("X-Forwarded-For", "1.2.3.4")
			if got := RemoteIP(r); got != tt.want {
				t.Errorf("RemoteIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		trusted []netip.Prefix
		headers map[string]string
		remote  string
		want    string
	}{
		{"no proxies ignores cloudflare", nil, map[string]string{"CF-Connecting-IP": "1.2.3.4"}, "9.9.9.9:1234", "9.9.9.9"},
		{"no proxies ignores xff", nil, map[string]string{"X-Forwarded-For": "5.6.7.8"}, "9.9.9.9:1234", "9.9.9.9"},
		{"untrusted peer ignores xff", trusted, map[string]string{"X-Forwarded-For": "5.6.7.8"}, "9.9.9.9:1234", "9.9.9.9"},
		{"trusted peer cloudflare", trusted, map[string]string{"CF-Connecting-IP": "1.2.3.4"}, "10.0.0.1:1234", "1.2.3.4"},
		{"trusted peer xff", trusted, map[string]string{"X-Forwarded-For": "5.6.7.8"}, "10.0.0.1:1234", "5.6.7.8"},
		{"spoofed leftmost hop", trusted, map[string]string{"X-Forwarded-For": "6.6.6.6, 5.6.7.8, 10.0.0.2"}, "10.0.0.1:1234", "5.6.7.8"},
		{"garbage xff", trusted, map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.0.0.1:1234", "10.0.0.1"},
		{"garbage cloudflare", trusted, map[string]string{"CF-Connecting-IP": "nope"}, "10.0.0.1:1234", "10.0.0.1"},
		{"trusted peer no headers", trusted, nil, "10.0.0.1:1234", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(tt.trusted)(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitIgnoresRotatedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	handler := RateLimit(rl, ClientIP(nil))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest("POST", "/api/auth/login", nil)
		r.RemoteAddr = "203.0.113.7:5555"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", last, http.StatusTooManyRequests)
	}
}
