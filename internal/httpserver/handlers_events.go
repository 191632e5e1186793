package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/server/internal/delivery"
	apierrors "github.com/hookline/server/internal/errors"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/pkg/responders"
)

// PublishEventRequest is the request body for publishing an event into
// the delivery engine.
type PublishEventRequest struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	OccurredAt *time.Time     `json:"occurredAt,omitempty"`
}

// EnqueuedDelivery summarizes one delivery created by a publish.
type EnqueuedDelivery struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
}

// PublishEventResponse acknowledges a published event with the
// deliveries it fanned out to.
type PublishEventResponse struct {
	EventID    string             `json:"eventId"`
	Matched    int                `json:"matched"`
	Deliveries []EnqueuedDelivery `json:"deliveries"`
}

// publishEvent fans an event out to matching active subscriptions and
// enqueues one delivery per match. The deliveries are attempted
// asynchronously by the worker.
func (h *handlers) publishEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req PublishEventRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("events.publish.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if req.Type == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "event type is required")
		return
	}

	event := delivery.Event{
		ID:         req.ID,
		Type:       req.Type,
		Data:       req.Data,
		OccurredAt: time.Now().UTC(),
	}
	if event.ID == "" {
		event.ID = "evt_" + uuid.NewString()
	}
	if req.OccurredAt != nil {
		event.OccurredAt = req.OccurredAt.UTC()
	}

	enqueued, err := h.dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("events.publish.dispatch_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to dispatch event")
		return
	}

	deliveries := make([]EnqueuedDelivery, 0, len(enqueued))
	for _, d := range enqueued {
		deliveries = append(deliveries, EnqueuedDelivery{
			ID:             d.ID,
			SubscriptionID: d.SubscriptionID,
			Status:         string(d.Status),
		})
	}

	log.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Int("matched", len(deliveries)).
		Msg("events.published")

	responders.JSON(w, http.StatusAccepted, PublishEventResponse{
		EventID:    event.ID,
		Matched:    len(deliveries),
		Deliveries: deliveries,
	})
}
