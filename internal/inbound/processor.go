package inbound

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/retrypolicy"
)

// Handler processes one admitted inbound event. Returning nil marks the
// event succeeded; a plain error schedules a retry; an error wrapped with
// Permanent fails the event immediately.
type Handler interface {
	Handle(ctx context.Context, event InboundEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event InboundEvent) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event InboundEvent) error {
	return f(ctx, event)
}

// PermanentError marks a handler error as non-retryable.
type PermanentError struct {
	Err error
}

// Error returns the wrapped error message.
func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so the processor fails the event instead of
// retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Processor drives admitted events through the processing state machine.
//
// An event's handler runs at most once concurrently (the claim is a
// conditional state transition) and never again after a terminal status:
// Process on a succeeded or failed event returns the stored outcome without
// touching the handler.
type Processor struct {
	store   EventStore
	handler Handler
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	maxAttempts int
	retryDelay  time.Duration
	multiplier  float64
	maxDelay    time.Duration
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	Store   EventStore
	Handler Handler
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time

	MaxAttempts int           // Processing attempts before failing (default: 5)
	RetryDelay  time.Duration // Initial delay between attempts (default: 30s)
	Multiplier  float64       // Backoff multiplier (default: 2)
	MaxDelay    time.Duration // Delay cap (default: 10m)
}

// NewProcessor creates a processor over the given store.
func NewProcessor(opts ProcessorOptions) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Processor{
		store:       opts.Store,
		handler:     opts.Handler,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Clock,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		multiplier:  opts.Multiplier,
		maxDelay:    opts.MaxDelay,
	}
}

// Process runs one processing attempt for the event with the given external
// ID and returns the event's state afterwards. Terminal events are returned
// as stored.
func (p *Processor) Process(ctx context.Context, externalEventID string) (InboundEvent, error) {
	ev, err := p.store.Get(ctx, externalEventID)
	if err != nil {
		return InboundEvent{}, err
	}
	if ev.Status.Terminal() {
		return ev, nil
	}

	ev, err = p.store.ClaimForProcessing(ctx, externalEventID)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			// Lost to a concurrent worker; report the current state.
			return p.store.Get(ctx, externalEventID)
		}
		return InboundEvent{}, err
	}

	start := p.now()
	handlerErr := p.invoke(ctx, ev)
	duration := p.now().Sub(start)

	result := p.record(ctx, ev, handlerErr)
	if p.metrics != nil {
		p.metrics.ObserveProcessing(ev.EventType, result, duration)
	}

	return p.store.Get(ctx, externalEventID)
}

// invoke runs the handler, converting panics into permanent errors.
func (p *Processor) invoke(ctx context.Context, ev InboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("externalEventID", ev.ExternalEventID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return p.handler.Handle(ctx, ev)
}

// record applies the handler outcome to the event and returns the resulting
// status for metrics.
func (p *Processor) record(ctx context.Context, ev InboundEvent, handlerErr error) string {
	id := ev.ExternalEventID

	if handlerErr == nil {
		if err := p.store.MarkSucceeded(ctx, id); err != nil {
			p.logger.Error().Err(err).Str("externalEventID", id).Msg("failed to mark event succeeded")
		}
		p.logger.Info().
			Str("externalEventID", id).
			Str("eventType", ev.EventType).
			Int("attempt", ev.ProcessingAttempts).
			Msg("inbound event processed")
		return string(StatusSucceeded)
	}

	var perm *PermanentError
	if errors.As(handlerErr, &perm) || ev.ProcessingAttempts >= p.maxAttempts {
		msg := handlerErr.Error()
		if !errors.As(handlerErr, &perm) {
			msg = fmt.Sprintf("retries exhausted after %d attempts: %s", ev.ProcessingAttempts, msg)
		}
		if err := p.store.MarkFailed(ctx, id, msg); err != nil {
			p.logger.Error().Err(err).Str("externalEventID", id).Msg("failed to mark event failed")
		}
		p.logger.Warn().
			Str("externalEventID", id).
			Str("eventType", ev.EventType).
			Int("attempt", ev.ProcessingAttempts).
			Str("error", msg).
			Msg("inbound event failed")
		return string(StatusFailed)
	}

	delay := retrypolicy.NextDelay(ev.ProcessingAttempts, p.retryDelay, p.multiplier, p.maxDelay)
	nextAttemptAt := p.now().UTC().Add(delay)
	if err := p.store.MarkRetrying(ctx, id, handlerErr.Error(), nextAttemptAt); err != nil {
		p.logger.Error().Err(err).Str("externalEventID", id).Msg("failed to schedule event retry")
	}
	p.logger.Warn().
		Str("externalEventID", id).
		Str("eventType", ev.EventType).
		Int("attempt", ev.ProcessingAttempts).
		Time("nextAttemptAt", nextAttemptAt).
		Err(handlerErr).
		Msg("inbound event processing failed, retry scheduled")
	return string(StatusRetrying)
}

// Poller periodically re-drives pending and retrying events through the
// processor. Freshly admitted events are normally processed inline by the
// ingest path; the poller picks up scheduled retries and anything dropped by
// a crash.
type Poller struct {
	store     EventStore
	processor *Processor
	logger    zerolog.Logger

	pollInterval time.Duration
	batchSize    int

	stopChan chan struct{}
	doneChan chan struct{}
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Store     EventStore
	Processor *Processor
	Logger    zerolog.Logger

	PollInterval time.Duration // How often to poll for due events (default: 10s)
	BatchSize    int           // Events fetched per poll (default: 20)
}

// NewPoller creates a poller over the given store and processor.
func NewPoller(opts PollerOptions) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &Poller{
		store:        opts.Store,
		processor:    opts.Processor,
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins polling for due events.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop gracefully stops the poller.
func (p *Poller) Stop() {
	close(p.stopChan)
	<-p.doneChan
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info().
		Dur("pollInterval", p.pollInterval).
		Msg("inbound event poller started")

	for {
		select {
		case <-p.stopChan:
			p.logger.Info().Msg("inbound event poller stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainDue(ctx)
		}
	}
}

func (p *Poller) drainDue(ctx context.Context) {
	due, err := p.store.ListDue(ctx, p.batchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list due events")
		return
	}

	for _, ev := range due {
		if _, err := p.processor.Process(ctx, ev.ExternalEventID); err != nil {
			p.logger.Error().
				Err(err).
				Str("externalEventID", ev.ExternalEventID).
				Msg("failed to process due event")
		}
	}
}
