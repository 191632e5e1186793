// Package retrypolicy holds the backoff math and the transient/permanent
// outcome classification shared by the delivery worker and the manual
// retry operation. Both paths must apply the same split or a delivery can
// be retried by hand into a state the engine would never have produced.
package retrypolicy

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// Outcome classifies the result of a single delivery attempt.
type Outcome int

const (
	// OutcomeDelivered means a 2xx response was observed.
	OutcomeDelivered Outcome = iota

	// OutcomeTransient covers timeouts, connection errors, 429 and 5xx.
	OutcomeTransient

	// OutcomePermanent covers 4xx other than 429, fatal URL/DNS errors
	// and payload serialization failures. Never retried.
	OutcomePermanent
)

// String returns the outcome name for logs and delivery records.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// NextDelay maps an attempt number (1-based) to the delay before the next
// attempt: initial * multiplier^(attempt-1), capped at max. Non-decreasing
// in attempt and never above max.
func NextDelay(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if max > 0 && initial > max {
		return max
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if max > 0 && delay > max {
			return max
		}
		if delay < 0 {
			// float overflow wrapped negative
			return max
		}
	}
	return delay
}

// ShouldRetry reports whether another attempt should be scheduled after the
// given outcome. False once attempt >= maxAttempts regardless of outcome,
// false for permanent outcomes, true for transient ones.
func ShouldRetry(attempt, maxAttempts int, outcome Outcome) bool {
	if outcome != OutcomeTransient {
		return false
	}
	return attempt < maxAttempts
}

// ClassifyStatus classifies an HTTP response status code.
// 2xx delivered; 429 and 5xx transient; everything else permanent.
func ClassifyStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeDelivered
	case status == 429:
		return OutcomeTransient
	case status >= 500:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}

// ClassifyError classifies a transport-level error from an attempt that
// produced no HTTP response. Timeouts and connection errors are transient;
// malformed URLs and unresolvable hosts are permanent.
func ClassifyError(err error) Outcome {
	if err == nil {
		return OutcomeDelivered
	}

	// Context deadline = per-attempt timeout fired.
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return OutcomePermanent
		}
		// Resolver unavailable or timed out: worth retrying.
		return OutcomeTransient
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return OutcomeTransient
		}
		// url.Error wrapping a non-network failure (unsupported scheme,
		// malformed URL) has no net.Error underneath.
		var netErr net.Error
		if !errors.As(urlErr.Err, &netErr) {
			var opErr *net.OpError
			if !errors.As(urlErr.Err, &opErr) {
				return OutcomePermanent
			}
		}
		return OutcomeTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient
	}

	// Unknown error shape: refusing to retry risks silent data loss, so
	// lean transient and let the attempt cap bound the damage.
	return OutcomeTransient
}
