// Package ingest turns provider webhook requests into admitted inbound
// events. Signature verification happens before admission, so forged
// requests never reach the event store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/inbound"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/signature"
)

// Signature headers on the generic ingest endpoint. They mirror the headers
// the delivery engine sends, so two Hookline instances can feed each other.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Event-Timestamp"
)

// ErrSignature wraps any signature verification failure; callers map it to a
// 401-class response.
var ErrSignature = errors.New("signature verification failed")

// ErrMalformed wraps envelope decoding failures.
var ErrMalformed = errors.New("malformed event")

// Envelope is the request body of the generic ingest endpoint.
type Envelope struct {
	ExternalEventID string          `json:"externalEventId"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	APIVersion      string          `json:"apiVersion,omitempty"`
	Livemode        bool            `json:"livemode,omitempty"`
}

// Receiver verifies, admits and kicks off processing of inbound events.
type Receiver struct {
	store     inbound.EventStore
	processor *inbound.Processor
	codec     *signature.Codec
	secret    string
	tolerance time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Store     inbound.EventStore
	Processor *inbound.Processor
	Codec     *signature.Codec
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics

	// Secret verifies the generic ingest endpoint's signatures. Empty
	// disables verification (development only).
	Secret    string
	Tolerance time.Duration // Allowed timestamp skew (default: 5m)
}

// NewReceiver creates a receiver over the given store and processor.
func NewReceiver(opts ReceiverOptions) *Receiver {
	if opts.Codec == nil {
		opts.Codec = signature.NewCodec()
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = 5 * time.Minute
	}
	return &Receiver{
		store:     opts.Store,
		processor: opts.Processor,
		codec:     opts.Codec,
		secret:    opts.Secret,
		tolerance: opts.Tolerance,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// ReceiveGeneric verifies the signature headers against the raw body,
// decodes the envelope and admits the event. The signature check runs before
// anything is stored.
func (rc *Receiver) ReceiveGeneric(ctx context.Context, body []byte, timestampHeader, signatureHeader string) (inbound.AdmitResult, error) {
	if rc.secret != "" {
		ts, err := strconv.ParseInt(timestampHeader, 10, 64)
		if err != nil {
			rc.rejectSignature("generic", "bad_timestamp")
			return inbound.AdmitResult{}, fmt.Errorf("%w: invalid timestamp header", ErrSignature)
		}
		if err := rc.codec.Verify(rc.secret, ts, body, signatureHeader, rc.tolerance); err != nil {
			rc.rejectSignature("generic", "mismatch")
			return inbound.AdmitResult{}, fmt.Errorf("%w: %s", ErrSignature, err)
		}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return inbound.AdmitResult{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if env.ExternalEventID == "" {
		return inbound.AdmitResult{}, fmt.Errorf("%w: externalEventId is required", ErrMalformed)
	}
	if env.EventType == "" {
		return inbound.AdmitResult{}, fmt.Errorf("%w: eventType is required", ErrMalformed)
	}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	return rc.admit(ctx, inbound.InboundEvent{
		ExternalEventID: env.ExternalEventID,
		Source:          "generic",
		EventType:       env.EventType,
		Payload:         payload,
		APIVersion:      env.APIVersion,
		Livemode:        env.Livemode,
	})
}

// admit stores the event and hands new admissions to the processor without
// blocking the request.
func (rc *Receiver) admit(ctx context.Context, ev inbound.InboundEvent) (inbound.AdmitResult, error) {
	res, err := rc.store.Admit(ctx, ev)
	if err != nil {
		return inbound.AdmitResult{}, fmt.Errorf("admit event: %w", err)
	}

	if rc.metrics != nil {
		rc.metrics.ObserveInbound(ev.EventType, ev.Source, !res.IsNew)
	}

	if !res.IsNew {
		rc.logger.Info().
			Str("externalEventID", ev.ExternalEventID).
			Str("source", ev.Source).
			Str("status", string(res.Event.Status)).
			Msg("duplicate inbound event")
		return res, nil
	}

	rc.logger.Info().
		Str("externalEventID", ev.ExternalEventID).
		Str("source", ev.Source).
		Str("eventType", ev.EventType).
		Msg("inbound event admitted")

	if rc.processor != nil {
		// Processing outlives the HTTP request.
		go func(id string) {
			pctx := context.WithoutCancel(ctx)
			if _, err := rc.processor.Process(pctx, id); err != nil {
				rc.logger.Error().Err(err).Str("externalEventID", id).Msg("async processing failed")
			}
		}(ev.ExternalEventID)
	}

	return res, nil
}

func (rc *Receiver) rejectSignature(source, reason string) {
	if rc.metrics != nil {
		rc.metrics.SignatureRejectionsTotal.WithLabelValues(source, reason).Inc()
	}
}
