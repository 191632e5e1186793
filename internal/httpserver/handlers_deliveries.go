package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hookline/server/internal/delivery"
	apierrors "github.com/hookline/server/internal/errors"
	"github.com/hookline/server/internal/inbound"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/pkg/responders"
)

// listDeliveries returns deliveries newest first, optionally filtered
// by the status query parameter.
func (h *handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	status := delivery.Status(r.URL.Query().Get("status"))
	limit := queryLimit(r, 50)

	items, err := h.deliveries.List(r.Context(), status, limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().
			Err(err).
			Msg("deliveries.list.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to list deliveries")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{"deliveries": items})
}

// getDelivery returns a single delivery with its attempt history.
func (h *handlers) getDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.deliveries.Get(r.Context(), id)
	if errors.Is(err, delivery.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "delivery not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().
			Err(err).
			Str("delivery_id", id).
			Msg("deliveries.get.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to fetch delivery")
		return
	}

	responders.JSON(w, http.StatusOK, d)
}

// retryDelivery re-runs a terminally failed delivery once, immediately.
func (h *handlers) retryDelivery(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := h.worker.Retry(r.Context(), id)
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "delivery not found")
		return
	case errors.Is(err, delivery.ErrNotRetryable):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
			"only failed deliveries can be retried", "deliveryId", id)
		return
	case err != nil:
		log.Error().
			Err(err).
			Str("delivery_id", id).
			Msg("deliveries.retry.failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to retry delivery")
		return
	}

	log.Info().
		Str("delivery_id", id).
		Str("status", string(d.Status)).
		Msg("deliveries.retried")

	responders.JSON(w, http.StatusOK, d)
}

// getInboundEvent returns an admitted inbound event and its processing
// state.
func (h *handlers) getInboundEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := h.inbound.Get(r.Context(), id)
	if errors.Is(err, inbound.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeEventNotFound, "event not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().
			Err(err).
			Str("external_event_id", id).
			Msg("inbound.get.store_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to fetch event")
		return
	}

	responders.JSON(w, http.StatusOK, ev)
}
