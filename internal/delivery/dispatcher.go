package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/filter"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/subscriptions"
)

// Dispatcher fans an event out to every matching subscription.
//
// Dispatch only enqueues work; the actual HTTP attempts happen in the worker
// pool, so callers learn what was enqueued, never how delivery went.
type Dispatcher struct {
	store    Store
	registry subscriptions.Repository
	filters  *filter.Evaluator
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Store    Store
	Registry subscriptions.Repository
	Filters  *filter.Evaluator
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// NewDispatcher creates a dispatcher over the given queue and registry.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Filters == nil {
		opts.Filters = filter.NewEvaluator()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{
		store:    opts.Store,
		registry: opts.Registry,
		filters:  opts.Filters,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
	}
}

// Dispatch matches the event against active subscriptions, applies sampling
// and condition filters, and enqueues one pending delivery per surviving
// subscription. The returned slice holds the enqueued deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) ([]Delivery, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("event payload is not serializable: %w", err)
	}

	subs, err := d.registry.ListActiveForEvent(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event: %w", err)
	}

	var enqueued []Delivery
	for _, sub := range subs {
		if !filter.Sampled(sub.Filters.SampleRate, event.ID, sub.ID) {
			d.skip(event, sub.ID, "sampled_out")
			continue
		}

		pass, evalErr := d.filters.EvalCondition(sub.Filters.Condition, event.Type, event.Data)
		if evalErr != nil {
			d.failCondition(ctx, event, sub, payload, evalErr)
			continue
		}
		if !pass {
			d.skip(event, sub.ID, "condition_false")
			continue
		}

		maxAttempts := 1
		if sub.Retry.Enabled {
			maxAttempts = sub.Retry.MaxAttempts
		}

		row := Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			URL:            sub.URL,
			Payload:        payload,
			Status:         StatusPending,
			MaxAttempts:    maxAttempts,
			ScheduledAt:    d.now().UTC(),
		}

		if _, err := d.store.Enqueue(ctx, row); err != nil {
			d.logger.Error().
				Err(err).
				Str("eventID", event.ID).
				Str("subscriptionID", sub.ID).
				Msg("failed to enqueue delivery")
			return enqueued, fmt.Errorf("enqueue delivery: %w", err)
		}
		enqueued = append(enqueued, row)
	}

	d.logger.Debug().
		Str("eventID", event.ID).
		Str("eventType", event.Type).
		Int("matched", len(subs)).
		Int("enqueued", len(enqueued)).
		Msg("event dispatched")

	return enqueued, nil
}

func (d *Dispatcher) skip(event Event, subscriptionID, reason string) {
	if d.metrics != nil {
		d.metrics.SubscriptionsSkippedTotal.WithLabelValues(reason).Inc()
	}
	d.logger.Debug().
		Str("eventID", event.ID).
		Str("subscriptionID", subscriptionID).
		Str("reason", reason).
		Msg("subscription skipped")
}

// failCondition records a condition evaluation error as a failed delivery.
// A broken filter expression must surface in the delivery log rather than
// silently dropping events.
func (d *Dispatcher) failCondition(ctx context.Context, event Event, sub subscriptions.Subscription, payload json.RawMessage, evalErr error) {
	now := d.now().UTC()
	row := Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		URL:            sub.URL,
		Payload:        payload,
		Status:         StatusFailed,
		MaxAttempts:    1,
		LastError:      "condition evaluation failed: " + evalErr.Error(),
		ScheduledAt:    now,
	}

	if _, err := d.store.Enqueue(ctx, row); err != nil {
		d.logger.Error().
			Err(err).
			Str("eventID", event.ID).
			Str("subscriptionID", sub.ID).
			Msg("failed to record condition failure")
		return
	}
	if _, err := d.registry.RecordFailure(ctx, sub.ID); err != nil {
		d.logger.Error().
			Err(err).
			Str("subscriptionID", sub.ID).
			Msg("failed to record failure counter")
	}
	if d.metrics != nil {
		d.metrics.ObserveTerminal(event.Type, string(StatusFailed))
	}
	d.logger.Warn().
		Err(evalErr).
		Str("eventID", event.ID).
		Str("subscriptionID", sub.ID).
		Msg("condition evaluation failed, delivery marked failed")
}
