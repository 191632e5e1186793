package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/hookline/server/internal/errors"
	"github.com/hookline/server/internal/ingest"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/pkg/responders"
)

const maxIngestBodyBytes = 1 << 20 // 1 MiB

// IngestResponse acknowledges an admitted (or duplicate) inbound event.
type IngestResponse struct {
	Received        bool   `json:"received"`
	ExternalEventID string `json:"externalEventId"`
	Duplicate       bool   `json:"duplicate"`
}

// handleIngestEvent accepts a generic producer event. Signature
// verification happens before admission, so a rejected request leaves
// no trace in the store.
func (h *handlers) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		log.Warn().
			Err(err).
			Msg("ingest.generic.body_read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "unable to read request body")
		return
	}

	result, err := h.receiver.ReceiveGeneric(
		r.Context(),
		body,
		r.Header.Get(ingest.HeaderTimestamp),
		r.Header.Get(ingest.HeaderSignature),
	)
	if err != nil {
		h.writeIngestError(w, r, "generic", err)
		return
	}

	responders.JSON(w, http.StatusAccepted, IngestResponse{
		Received:        true,
		ExternalEventID: result.Event.ExternalEventID,
		Duplicate:       !result.IsNew,
	})
}

// handleStripeWebhook accepts a Stripe webhook event verified with the
// Stripe-Signature header.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		log.Warn().
			Err(err).
			Msg("ingest.stripe.body_read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, "unable to read request body")
		return
	}

	result, err := h.receiver.ReceiveStripe(
		r.Context(),
		body,
		r.Header.Get("Stripe-Signature"),
		h.cfg.Ingest.StripeWebhookSecret,
	)
	if err != nil {
		h.writeIngestError(w, r, "stripe", err)
		return
	}

	responders.JSON(w, http.StatusAccepted, IngestResponse{
		Received:        true,
		ExternalEventID: result.Event.ExternalEventID,
		Duplicate:       !result.IsNew,
	})
}

func (h *handlers) writeIngestError(w http.ResponseWriter, r *http.Request, source string, err error) {
	log := logger.FromContext(r.Context())

	switch {
	case errors.Is(err, ingest.ErrSignature):
		log.Warn().
			Str("source", source).
			Msg("ingest.signature_rejected")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSignatureInvalid, "signature verification failed")
	case errors.Is(err, ingest.ErrMalformed):
		log.Warn().
			Str("source", source).
			Err(err).
			Msg("ingest.malformed_event")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMalformedEvent, err.Error())
	default:
		log.Error().
			Str("source", source).
			Err(err).
			Msg("ingest.admit_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to admit event")
	}
}
