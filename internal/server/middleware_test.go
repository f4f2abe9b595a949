// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestIPRateLimiter_Allow(t *testing.T) {
	rl := NewIPRateLimiter(2)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("first two requests should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request within the burst window should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another IP has its own bucket")
	}

	now = now.Add(31 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("a token should refill after 30s at 2/min")
	}
}

func TestIPRateLimiter_Disabled(t *testing.T) {
	rl := NewIPRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}
}

func TestIPRateLimiter_SetLimit(t *testing.T) {
	rl := NewIPRateLimiter(1)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("second request should be denied at 1/min")
	}
	rl.SetLimit(0)
	if !rl.Allow("10.0.0.1") {
		t.Error("limit 0 should disable limiting")
	}
	if rl.Limit() != 0 {
		t.Errorf("Limit() = %d, want 0", rl.Limit())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewIPRateLimiter(1)
	h := RateLimitMiddleware(rl, &ProxyResolver{}, zap.NewNop())(okHandler)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
}

// =============================================================================
// CLIENT IP TESTS
// =============================================================================

func TestProxyResolver_ClientIP(t *testing.T) {
	p, err := NewProxyResolver([]string{"10.0.0.0/8", "192.168.1.1"})
	if err != nil {
		t.Fatalf("NewProxyResolver() error = %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct client", "203.0.113.5:4000", "1.2.3.4", "", "203.0.113.5"},
		{"trusted proxy forwards", "10.1.2.3:4000", "1.2.3.4, 10.1.2.3", "", "1.2.3.4"},
		{"trusted single ip", "192.168.1.1:80", "", "5.6.7.8", "5.6.7.8"},
		{"garbage header", "10.1.2.3:4000", "not-an-ip", "", "10.1.2.3"},
		{"no port", "203.0.113.9", "", "", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := p.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewProxyResolver_Invalid(t *testing.T) {
	if _, err := NewProxyResolver([]string{"10.0.0.0/99"}); err == nil {
		t.Error("invalid CIDR should fail")
	}
	if _, err := NewProxyResolver([]string{"proxy.local"}); err == nil {
		t.Error("hostname should fail")
	}
}

// =============================================================================
// CORS, HEADERS AND RECOVERY TESTS
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware(NewCORSConfig([]string{"https://app.erimtech.ai", "*.example.com"}))(okHandler)

	tests := []struct {
		origin string
		want   string
	}{
		{"https://app.erimtech.ai", "https://app.erimtech.ai"},
		{"https://sub.example.com", "https://sub.example.com"},
		{"https://evil.test", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/health", nil)
		r.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}

	r := httptest.NewRequest("OPTIONS", "/v1/chat", nil)
	r.Header.Set("Origin", "https://app.erimtech.ai")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(mark("a"), mark("b"), mark("c"))(okHandler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for header, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := bearerToken(r); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
