package ingest

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/hookline/server/internal/inbound"
)

// ReceiveStripe validates a Stripe webhook request with Stripe's own
// signature scheme and admits the event. The Stripe event ID is the
// idempotency key, so provider redeliveries collapse onto one stored event.
func (rc *Receiver) ReceiveStripe(ctx context.Context, body []byte, signatureHeader, webhookSecret string) (inbound.AdmitResult, error) {
	if webhookSecret == "" {
		return inbound.AdmitResult{}, fmt.Errorf("%w: stripe webhook secret not configured", ErrSignature)
	}

	event, err := webhook.ConstructEventWithTolerance(body, signatureHeader, webhookSecret, rc.tolerance)
	if err != nil {
		rc.rejectSignature("stripe", "mismatch")
		return inbound.AdmitResult{}, fmt.Errorf("%w: %s", ErrSignature, err)
	}

	return rc.admit(ctx, inbound.InboundEvent{
		ExternalEventID: event.ID,
		Source:          "stripe",
		EventType:       string(event.Type),
		Payload:         event.Data.Raw,
		APIVersion:      event.APIVersion,
		Livemode:        event.Livemode,
	})
}
