package subscriptions

import (
	"fmt"
	"net/url"
	"time"
)

// Method is the HTTP method used for deliveries to a subscription.
type Method string

const (
	MethodPost Method = "POST"
	MethodPut  Method = "PUT"
)

// RetryConfig controls how failed deliveries to a subscription are retried.
type RetryConfig struct {
	Enabled           bool    `json:"enabled"`
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxDelayMs        int     `json:"maxDelayMs"`
}

// DefaultRetryConfig returns sensible defaults for webhook retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:           true,
		MaxAttempts:       5,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMs:        300000, // 5 minutes
	}
}

// InitialDelay returns the first retry delay as a duration.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// Filters narrow which events a subscription receives beyond pattern matching.
type Filters struct {
	// SampleRate admits a fraction of matching events (0-1). Nil means
	// no sampling. Sampling is deterministic per event+subscription so
	// retries of one logical delivery are never re-sampled.
	SampleRate *float64 `json:"sampleRate,omitempty"`

	// Condition is a boolean expression evaluated against the event
	// payload. Empty means no condition.
	Condition string `json:"condition,omitempty"`
}

// Subscription is a registered webhook endpoint with its delivery settings.
//
// The delivery counters and LastTriggeredAt are mutated only by the delivery
// worker, never by CRUD update paths; backends increment them atomically at
// the storage layer.
type Subscription struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	URL     string `json:"url"`

	// Secret signs outbound requests. Deliveries carry X-Signature only
	// when a secret is configured.
	Secret string `json:"secret,omitempty"`

	// Events is an ordered set of dot-delimited patterns; "*" matches a
	// single segment, bare "*" matches everything.
	Events []string `json:"events"`

	Method    Method            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeoutMs"`
	Retry     RetryConfig       `json:"retryConfig"`
	Filters   Filters           `json:"filters"`
	IsActive  bool              `json:"isActive"`

	// Rolling delivery counters, dispatcher-owned.
	SuccessfulDeliveries int64      `json:"successfulDeliveries"`
	FailedDeliveries     int64      `json:"failedDeliveries"`
	ConsecutiveFailures  int64      `json:"consecutiveFailures"`
	LastTriggeredAt      *time.Time `json:"lastTriggeredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Timeout returns the per-attempt deadline as a duration.
func (s Subscription) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Validate checks subscription configuration before it is stored.
// The filter condition expression is validated separately by the filter
// package, which owns the expression language.
func (s Subscription) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSubscription)
	}
	parsed, err := url.Parse(s.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidSubscription)
	}

	if len(s.Events) == 0 {
		return fmt.Errorf("%w: at least one event pattern is required", ErrInvalidSubscription)
	}
	for _, p := range s.Events {
		if p == "" {
			return fmt.Errorf("%w: empty event pattern", ErrInvalidSubscription)
		}
	}

	switch s.Method {
	case MethodPost, MethodPut:
	default:
		return fmt.Errorf("%w: method must be POST or PUT", ErrInvalidSubscription)
	}

	if s.Retry.Enabled {
		if s.Retry.MaxAttempts < 1 {
			return fmt.Errorf("%w: maxAttempts must be at least 1", ErrInvalidSubscription)
		}
		if s.Retry.BackoffMultiplier < 1 {
			return fmt.Errorf("%w: backoffMultiplier must be >= 1", ErrInvalidSubscription)
		}
	}

	if s.Filters.SampleRate != nil {
		if r := *s.Filters.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("%w: sampleRate must be within [0, 1]", ErrInvalidSubscription)
		}
	}

	return nil
}
