package inbound

import (
	"encoding/json"
	"time"
)

// Status is the processing state of an inbound event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal reports whether processing is finished for good. Terminal events
// short-circuit: reprocessing returns the stored outcome without invoking
// the handler again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// InboundEvent is an event received from an external provider, keyed by the
// provider's event ID. The external ID is the idempotency key: a given ID is
// admitted exactly once, and its handler observes at-most-once success.
type InboundEvent struct {
	ExternalEventID string          `json:"externalEventId"`
	Source          string          `json:"source"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	APIVersion      string          `json:"apiVersion,omitempty"`
	Livemode        bool            `json:"livemode"`

	Status             Status     `json:"status"`
	ProcessingAttempts int        `json:"processingAttempts"`
	LastProcessingAt   *time.Time `json:"lastProcessingAt,omitempty"`
	NextAttemptAt      time.Time  `json:"nextAttemptAt"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AdmitResult reports whether an event was newly admitted or had been seen
// before.
type AdmitResult struct {
	IsNew bool
	Event InboundEvent
}
