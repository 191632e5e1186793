package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if cfg.Limit != 120 {
		t.Errorf("Expected limit 120, got %d", cfg.Limit)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Expected window 1m, got %v", cfg.Window)
	}
}

func TestIPLimiter_Disabled(t *testing.T) {
	limiter := IPLimiter(Config{Enabled: false})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Should allow unlimited requests when disabled
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("POST", "/ingest/events", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Limit:   5,
		Window:  time.Second,
	}
	limiter := IPLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First 5 requests should succeed
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/ingest/events", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	// 6th request should be rate limited
	req := httptest.NewRequest("POST", "/ingest/events", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	var body rateLimitResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Error != "rate_limit_exceeded" {
		t.Errorf("error = %q, want rate_limit_exceeded", body.Error)
	}
	if body.RetryAfterSeconds != 1 {
		t.Errorf("retry_after_seconds = %d, want 1", body.RetryAfterSeconds)
	}
}

func TestIPLimiter_SeparatesClients(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Limit:   2,
		Window:  time.Second,
	}
	handler := IPLimiter(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest("POST", "/ingest/events", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// Exhaust the first client's budget.
	send("10.0.0.1:1234")
	send("10.0.0.1:1234")
	if code := send("10.0.0.1:1234"); code != http.StatusTooManyRequests {
		t.Errorf("exhausted client: expected 429, got %d", code)
	}

	// A different client is unaffected.
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("fresh client: expected 200, got %d", code)
	}
}
