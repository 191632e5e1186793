package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"
)

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}

	for _, tt := range tests {
		got := NextDelay(tt.attempt, 1*time.Second, 2.0, 5*time.Minute)
		if got != tt.want {
			t.Errorf("NextDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelay_MonotonicAndCapped(t *testing.T) {
	const maxDelay = 30 * time.Second
	prev := time.Duration(0)

	for attempt := 1; attempt <= 50; attempt++ {
		delay := NextDelay(attempt, 500*time.Millisecond, 2.0, maxDelay)
		if delay < prev {
			t.Fatalf("Delay decreased at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > maxDelay {
			t.Fatalf("Delay exceeded cap at attempt %d: %v", attempt, delay)
		}
		prev = delay
	}

	if prev != maxDelay {
		t.Errorf("Expected delay to reach cap %v, got %v", maxDelay, prev)
	}
}

func TestNextDelay_Defaults(t *testing.T) {
	// Zero initial falls back to one second; multiplier below one is clamped.
	if got := NextDelay(1, 0, 2.0, time.Minute); got != time.Second {
		t.Errorf("Expected 1s fallback for zero initial, got %v", got)
	}
	if got := NextDelay(3, time.Second, 0.5, time.Minute); got != time.Second {
		t.Errorf("Expected clamped multiplier to keep delay at 1s, got %v", got)
	}
	// Initial above cap is truncated to cap.
	if got := NextDelay(1, time.Hour, 2.0, time.Minute); got != time.Minute {
		t.Errorf("Expected cap for oversized initial, got %v", got)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		maxAttempts int
		outcome     Outcome
		want        bool
	}{
		{"transient below max", 1, 3, OutcomeTransient, true},
		{"transient at max", 3, 3, OutcomeTransient, false},
		{"transient beyond max", 4, 3, OutcomeTransient, false},
		{"permanent never retried", 1, 3, OutcomePermanent, false},
		{"delivered never retried", 1, 3, OutcomeDelivered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.attempt, tt.maxAttempts, tt.outcome); got != tt.want {
				t.Errorf("ShouldRetry(%d, %d, %v) = %v, want %v",
					tt.attempt, tt.maxAttempts, tt.outcome, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, OutcomeDelivered},
		{201, OutcomeDelivered},
		{204, OutcomeDelivered},
		{301, OutcomePermanent},
		{400, OutcomePermanent},
		{401, OutcomePermanent},
		{404, OutcomePermanent},
		{410, OutcomePermanent},
		{429, OutcomeTransient},
		{500, OutcomeTransient},
		{502, OutcomeTransient},
		{503, OutcomeTransient},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeDelivered},
		{"deadline exceeded", context.DeadlineExceeded, OutcomeTransient},
		{
			"wrapped deadline",
			fmt.Errorf("send request: %w", context.DeadlineExceeded),
			OutcomeTransient,
		},
		{
			"dns not found",
			&url.Error{Op: "Post", URL: "https://nope.invalid", Err: &net.DNSError{IsNotFound: true}},
			OutcomePermanent,
		},
		{
			"dns temporary",
			&net.DNSError{IsTimeout: true},
			OutcomeTransient,
		},
		{
			"unsupported scheme",
			&url.Error{Op: "Post", URL: "gopher://x", Err: errors.New("unsupported protocol scheme")},
			OutcomePermanent,
		},
		{
			"connection refused",
			&url.Error{Op: "Post", URL: "http://localhost:1", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}},
			OutcomeTransient,
		},
		{"unknown error leans transient", errors.New("mystery"), OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
