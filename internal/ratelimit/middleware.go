// Package ratelimit provides per-IP request limiting for the ingest
// endpoints, built on go-chi/httprate.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/hookline/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool
	Limit   int           // requests per window
	Window  time.Duration // time window

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate webhook
// producers while stopping obvious floods.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Limit:   120,
		Window:  time.Minute,
	}
}

type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// IPLimiter creates a per-IP rate limiter middleware. When disabled it
// returns a pass-through middleware so callers can wire it unconditionally.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.Limit,
		cfg.Window,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.Window.Seconds()), cfg.Metrics)),
	)
}

func limitHandler(limitType string, windowSeconds int, collector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if collector != nil {
			collector.ObserveRateLimit(limitType)
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Rate limit exceeded. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}
