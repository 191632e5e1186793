package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hookline/server/internal/delivery"
	apierrors "github.com/hookline/server/internal/errors"
	"github.com/hookline/server/internal/filter"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/internal/subscriptions"
	"github.com/hookline/server/pkg/responders"
)

// SubscriptionRequest is the request body for creating or updating a
// subscription. Omitted optional fields fall back to defaults on create
// and to the stored values on update.
type SubscriptionRequest struct {
	OwnerID   string                     `json:"ownerId,omitempty"`
	URL       string                     `json:"url"`
	Secret    string                     `json:"secret,omitempty"`
	Events    []string                   `json:"events"`
	Method    string                     `json:"method,omitempty"`
	Headers   map[string]string          `json:"headers,omitempty"`
	TimeoutMs int                        `json:"timeoutMs,omitempty"`
	Retry     *subscriptions.RetryConfig `json:"retryConfig,omitempty"`
	Filters   *subscriptions.Filters     `json:"filters,omitempty"`
}

// SubscriptionResponse mirrors the stored subscription without the
// signing secret.
type SubscriptionResponse struct {
	ID                   string                    `json:"id"`
	OwnerID              string                    `json:"ownerId"`
	URL                  string                    `json:"url"`
	HasSecret            bool                      `json:"hasSecret"`
	Events               []string                  `json:"events"`
	Method               string                    `json:"method"`
	Headers              map[string]string         `json:"headers,omitempty"`
	TimeoutMs            int                       `json:"timeoutMs"`
	Retry                subscriptions.RetryConfig `json:"retryConfig"`
	Filters              subscriptions.Filters     `json:"filters"`
	IsActive             bool                      `json:"isActive"`
	SuccessfulDeliveries int64                     `json:"successfulDeliveries"`
	FailedDeliveries     int64                     `json:"failedDeliveries"`
	ConsecutiveFailures  int64                     `json:"consecutiveFailures"`
	LastTriggeredAt      *time.Time                `json:"lastTriggeredAt,omitempty"`
	CreatedAt            time.Time                 `json:"createdAt"`
	UpdatedAt            time.Time                 `json:"updatedAt"`
}

func toSubscriptionResponse(sub subscriptions.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                   sub.ID,
		OwnerID:              sub.OwnerID,
		URL:                  sub.URL,
		HasSecret:            sub.Secret != "",
		Events:               sub.Events,
		Method:               string(sub.Method),
		Headers:              sub.Headers,
		TimeoutMs:            sub.TimeoutMs,
		Retry:                sub.Retry,
		Filters:              sub.Filters,
		IsActive:             sub.IsActive,
		SuccessfulDeliveries: sub.SuccessfulDeliveries,
		FailedDeliveries:     sub.FailedDeliveries,
		ConsecutiveFailures:  sub.ConsecutiveFailures,
		LastTriggeredAt:      sub.LastTriggeredAt,
		CreatedAt:            sub.CreatedAt,
		UpdatedAt:            sub.UpdatedAt,
	}
}

// createSubscription registers a new webhook endpoint.
func (h *handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req SubscriptionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("subscriptions.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}

	sub := subscriptions.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    req.Events,
		Method:    subscriptions.MethodPost,
		Headers:   req.Headers,
		TimeoutMs: req.TimeoutMs,
		Retry:     subscriptions.DefaultRetryConfig(),
		IsActive:  true,
	}
	if req.Method != "" {
		sub.Method = subscriptions.Method(req.Method)
	}
	if req.Retry != nil {
		sub.Retry = *req.Retry
	}
	if req.Filters != nil {
		sub.Filters = *req.Filters
	}

	if err := h.validateSubscription(sub); err != nil {
		log.Warn().
			Err(err).
			Msg("subscriptions.create.invalid")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSubscription, err.Error())
		return
	}

	if err := h.registry.Create(r.Context(), sub); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.ID).
			Msg("subscriptions.create.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to create subscription")
		return
	}

	log.Info().
		Str("subscription_id", sub.ID).
		Str("url", sub.URL).
		Strs("events", sub.Events).
		Msg("subscriptions.created")

	responders.JSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

// getSubscription returns a single subscription by ID.
func (h *handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.registry.Get(r.Context(), id)
	if errors.Is(err, subscriptions.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSubscriptionNotFound, "subscription not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.get.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to fetch subscription")
		return
	}

	responders.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// listSubscriptions returns subscriptions, optionally filtered by the
// ownerId query parameter.
func (h *handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	limit := queryLimit(r, 100)

	subs, err := h.registry.List(r.Context(), ownerID, limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().
			Err(err).
			Msg("subscriptions.list.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to list subscriptions")
		return
	}

	out := make([]SubscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}

	responders.JSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

// updateSubscription replaces the mutable settings of a subscription.
// Delivery counters and timestamps are preserved from the stored row.
func (h *handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req SubscriptionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().
			Err(err).
			Msg("subscriptions.update.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}

	existing, err := h.registry.Get(r.Context(), id)
	if errors.Is(err, subscriptions.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSubscriptionNotFound, "subscription not found")
		return
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.update.fetch_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to fetch subscription")
		return
	}

	updated := existing
	updated.URL = req.URL
	updated.Events = req.Events
	updated.Headers = req.Headers
	if req.OwnerID != "" {
		updated.OwnerID = req.OwnerID
	}
	if req.Secret != "" {
		updated.Secret = req.Secret
	}
	if req.Method != "" {
		updated.Method = subscriptions.Method(req.Method)
	}
	if req.TimeoutMs > 0 {
		updated.TimeoutMs = req.TimeoutMs
	}
	if req.Retry != nil {
		updated.Retry = *req.Retry
	}
	if req.Filters != nil {
		updated.Filters = *req.Filters
	}

	if err := h.validateSubscription(updated); err != nil {
		log.Warn().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.update.invalid")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSubscription, err.Error())
		return
	}

	if err := h.registry.Update(r.Context(), updated); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.update.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to update subscription")
		return
	}

	log.Info().
		Str("subscription_id", id).
		Msg("subscriptions.updated")

	responders.JSON(w, http.StatusOK, toSubscriptionResponse(updated))
}

// deactivateSubscription clears the active flag. Pending deliveries for
// the subscription fail at their next attempt instead of being sent.
func (h *handlers) deactivateSubscription(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	err := h.registry.Deactivate(r.Context(), id)
	if errors.Is(err, subscriptions.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSubscriptionNotFound, "subscription not found")
		return
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.deactivate.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to deactivate subscription")
		return
	}

	log.Info().
		Str("subscription_id", id).
		Msg("subscriptions.deactivated")

	responders.JSON(w, http.StatusOK, map[string]any{"id": id, "isActive": false})
}

// TestDeliveryRequest is the optional body for a test delivery.
type TestDeliveryRequest struct {
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// testSubscription fires a one-off test delivery at the endpoint. The
// attempt bypasses the queue and never touches delivery counters.
func (h *handlers) testSubscription(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	req := TestDeliveryRequest{Type: "test.ping"}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			log.Warn().
				Err(err).
				Msg("subscriptions.test.invalid_body")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
			return
		}
		if req.Type == "" {
			req.Type = "test.ping"
		}
	}
	if req.Data == nil {
		req.Data = map[string]any{"test": true}
	}

	event := delivery.Event{
		ID:         "evt_test_" + uuid.NewString(),
		Type:       req.Type,
		Data:       req.Data,
		OccurredAt: time.Now().UTC(),
	}

	att, err := h.worker.SendTest(r.Context(), id, event)
	switch {
	case errors.Is(err, subscriptions.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSubscriptionNotFound, "subscription not found")
		return
	case errors.Is(err, delivery.ErrSubscriptionInactive):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSubscriptionInactive, "subscription inactive")
		return
	case err != nil:
		log.Error().
			Err(err).
			Str("subscription_id", id).
			Msg("subscriptions.test.failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to send test delivery")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"eventType": event.Type,
		"attempt":   att,
		"success":   att.Outcome == "delivered",
	})
}

// validateSubscription runs structural validation plus filter condition
// validation, which lives in the filter package.
func (h *handlers) validateSubscription(sub subscriptions.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.Filters.Condition != "" {
		if err := filter.ValidateCondition(sub.Filters.Condition); err != nil {
			return err
		}
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
