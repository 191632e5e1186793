package delivery

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further attempts from the
// worker loop. A failed delivery can still be retried manually.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Attempt is one entry in a delivery's attempt history.
type Attempt struct {
	Number     int       `json:"number"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"durationMs"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Delivery is one logical delivery of an event to one subscription. The row
// persists across retries; Attempt counts HTTP attempts started so far and
// Attempts keeps the per-attempt history.
type Delivery struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	URL            string `json:"url"`

	// Payload is the serialized event data; the worker wraps it in the
	// request envelope at send time.
	Payload json.RawMessage `json:"payload"`

	Status      Status `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`

	HTTPStatus *int   `json:"httpStatus,omitempty"`
	LastError  string `json:"lastError,omitempty"`

	Attempts []Attempt `json:"attempts,omitempty"`

	// ScheduledAt is when the next attempt becomes due. The worker only
	// dequeues deliveries whose ScheduledAt has passed.
	ScheduledAt time.Time  `json:"scheduledAt"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is the unit of work fanned out by the dispatcher.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// envelope is the request body sent to subscriber endpoints.
type envelope struct {
	EventType   string          `json:"eventType"`
	Data        json.RawMessage `json:"data"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}
