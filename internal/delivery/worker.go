package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/hookline/server/internal/httputil"
	"github.com/hookline/server/internal/logger"
	"github.com/hookline/server/internal/metrics"
	"github.com/hookline/server/internal/retrypolicy"
	"github.com/hookline/server/internal/signature"
	"github.com/hookline/server/internal/subscriptions"
)

// reasonInactive is the recorded failure reason when the target subscription
// was deactivated or deleted between enqueue and send.
const reasonInactive = "subscription inactive"

// ErrSubscriptionInactive is returned by SendTest when the target
// subscription exists but is deactivated.
var ErrSubscriptionInactive = errors.New(reasonInactive)

// maxErrorBodyBytes caps how much of an error response body is kept for
// diagnostics.
const maxErrorBodyBytes = 512

// Worker polls the delivery queue and executes HTTP attempts.
//
// Each delivery is claimed with MarkProcessing before the request goes out,
// and the follow-up attempt is scheduled only from the recorded outcome, so a
// delivery never has two attempts in flight. The subscription is re-read
// immediately before every send; a deactivated subscription fails the
// delivery without an HTTP call.
type Worker struct {
	store    Store
	registry subscriptions.Repository
	codec    *signature.Codec
	client   *http.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	pollInterval     time.Duration
	batchSize        int
	sem              chan struct{}
	disableThreshold int64

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	stopChan chan struct{}
	doneChan chan struct{}
}

// WorkerOptions configures a delivery worker.
type WorkerOptions struct {
	Store    Store
	Registry subscriptions.Repository
	Codec    *signature.Codec
	Client   *http.Client
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time

	PollInterval time.Duration // How often to poll for due deliveries (default: 1s)
	BatchSize    int           // Deliveries fetched per poll (default: 10)
	Concurrency  int           // Max in-flight attempts (default: 4)

	// DisableThreshold deactivates a subscription after this many
	// consecutive terminal failures. Zero disables the behavior.
	DisableThreshold int64
}

// NewWorker creates a delivery worker over the given queue.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Codec == nil {
		opts.Codec = signature.NewCodec()
	}
	if opts.Client == nil {
		opts.Client = httputil.NewClient(60 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Worker{
		store:            opts.Store,
		registry:         opts.Registry,
		codec:            opts.Codec,
		client:           opts.Client,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		now:              opts.Clock,
		pollInterval:     opts.PollInterval,
		batchSize:        opts.BatchSize,
		sem:              make(chan struct{}, opts.Concurrency),
		disableThreshold: opts.DisableThreshold,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		stopChan:         make(chan struct{}),
		doneChan:         make(chan struct{}),
	}
}

// Start begins polling the queue.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker, waiting for in-flight attempts.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("pollInterval", w.pollInterval).
		Int("batchSize", w.batchSize).
		Msg("delivery worker started")

	for {
		select {
		case <-w.stopChan:
			w.drain()
			w.logger.Info().Msg("delivery worker stopped")
			return
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

// drain waits for all in-flight attempts to finish.
func (w *Worker) drain() {
	for i := 0; i < cap(w.sem); i++ {
		w.sem <- struct{}{}
	}
}

// processQueue fetches due deliveries and runs attempts concurrently.
func (w *Worker) processQueue(ctx context.Context) {
	due, err := w.store.DequeueDue(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to dequeue deliveries")
		return
	}

	if w.metrics != nil {
		if depth, err := w.store.CountDue(ctx); err == nil {
			w.metrics.DeliveryQueueDepth.Set(float64(depth))
		}
	}

	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, d := range due {
		w.sem <- struct{}{}
		wg.Add(1)
		go func(d Delivery) {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.process(ctx, d)
		}(d)
	}
	wg.Wait()
}

// process claims one delivery and drives a single attempt to a recorded
// outcome.
func (w *Worker) process(ctx context.Context, queued Delivery) {
	d, err := w.store.MarkProcessing(ctx, queued.ID)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) {
			return // another worker got there first
		}
		w.logger.Error().Err(err).Str("deliveryID", queued.ID).Msg("failed to claim delivery")
		return
	}

	att, outcome, sub := w.attempt(ctx, d)

	switch outcome {
	case retrypolicy.OutcomeDelivered:
		w.succeed(ctx, d, att)
	case retrypolicy.OutcomeTransient:
		if retrypolicy.ShouldRetry(d.Attempt, d.MaxAttempts, outcome) {
			w.reschedule(ctx, d, att, sub)
			return
		}
		att.Error = fmt.Sprintf("retries exhausted after %d attempts: %s", d.Attempt, att.Error)
		w.fail(ctx, d, att)
	case retrypolicy.OutcomePermanent:
		w.fail(ctx, d, att)
	}
}

// attempt executes one HTTP attempt. It re-reads the subscription first; an
// inactive or missing subscription short-circuits to a permanent outcome
// without touching the network.
func (w *Worker) attempt(ctx context.Context, d Delivery) (Attempt, retrypolicy.Outcome, *subscriptions.Subscription) {
	att := Attempt{Number: d.Attempt, At: w.now().UTC()}

	sub, err := w.registry.Get(ctx, d.SubscriptionID)
	if err != nil && !errors.Is(err, subscriptions.ErrNotFound) {
		att.Outcome = retrypolicy.OutcomeTransient.String()
		att.Error = "subscription lookup failed: " + err.Error()
		return att, retrypolicy.OutcomeTransient, nil
	}
	if err != nil || !sub.IsActive {
		att.Outcome = retrypolicy.OutcomePermanent.String()
		att.Error = reasonInactive
		return att, retrypolicy.OutcomePermanent, nil
	}

	body, signedTS, err := w.buildBody(d, att.At)
	if err != nil {
		att.Outcome = retrypolicy.OutcomePermanent.String()
		att.Error = "payload serialization failed: " + err.Error()
		return att, retrypolicy.OutcomePermanent, &sub
	}

	start := w.now()
	resp, err := w.send(ctx, sub, d, body, signedTS)
	att.DurationMs = w.now().Sub(start).Milliseconds()

	var outcome retrypolicy.Outcome
	if err != nil {
		outcome = retrypolicy.ClassifyError(err)
		att.Error = err.Error()
	} else {
		outcome = retrypolicy.ClassifyStatus(resp.statusCode)
		att.HTTPStatus = resp.statusCode
		if outcome != retrypolicy.OutcomeDelivered {
			att.Error = fmt.Sprintf("endpoint returned %d: %s", resp.statusCode, logger.TruncateBody(resp.body, maxErrorBodyBytes))
		}
	}
	att.Outcome = outcome.String()

	if w.metrics != nil {
		w.metrics.ObserveAttempt(d.EventType, att.Outcome, time.Duration(att.DurationMs)*time.Millisecond)
	}

	return att, outcome, &sub
}

// buildBody wraps the stored payload in the request envelope and returns the
// serialized body with the timestamp used for signing.
func (w *Worker) buildBody(d Delivery, at time.Time) ([]byte, int64, error) {
	body, err := json.Marshal(envelope{
		EventType:   d.EventType,
		Data:        d.Payload,
		DeliveredAt: at,
	})
	if err != nil {
		return nil, 0, err
	}
	return body, at.Unix(), nil
}

type attemptResponse struct {
	statusCode int
	body       string
}

// send performs the signed HTTP request through the subscription's circuit
// breaker.
func (w *Worker) send(ctx context.Context, sub subscriptions.Subscription, d Delivery, body []byte, signedTS int64) (*attemptResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, string(sub.Method), sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookline/1.0")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Event-Id", d.EventID)
	req.Header.Set("X-Delivery-Id", d.ID)
	req.Header.Set("X-Event-Timestamp", strconv.FormatInt(signedTS, 10))

	if sub.Secret != "" {
		sig, err := w.codec.Sign(sub.Secret, signedTS, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Signature", sig)
	}

	result, err := w.breaker(sub.ID).Execute(func() (interface{}, error) {
		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &attemptResponse{statusCode: resp.StatusCode, body: string(snippet)}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*attemptResponse), nil
}

// breaker returns the circuit breaker for a subscription, creating it on
// first use.
func (w *Worker) breaker(subscriptionID string) *gobreaker.CircuitBreaker {
	w.breakerMu.Lock()
	defer w.breakerMu.Unlock()

	if cb, ok := w.breakers[subscriptionID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delivery:" + subscriptionID,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	w.breakers[subscriptionID] = cb
	return cb
}

func (w *Worker) succeed(ctx context.Context, d Delivery, att Attempt) {
	if err := w.store.MarkDelivered(ctx, d.ID, att); err != nil {
		w.logger.Error().Err(err).Str("deliveryID", d.ID).Msg("failed to mark delivery as delivered")
	}
	if err := w.registry.RecordSuccess(ctx, d.SubscriptionID, att.At); err != nil {
		w.logger.Error().Err(err).Str("subscriptionID", d.SubscriptionID).Msg("failed to record success counter")
	}
	if w.metrics != nil {
		w.metrics.ObserveTerminal(d.EventType, string(StatusDelivered))
	}

	w.logger.Info().
		Str("deliveryID", d.ID).
		Str("eventType", d.EventType).
		Int("attempt", d.Attempt).
		Int64("durationMs", att.DurationMs).
		Msg("delivery succeeded")
}

// reschedule records a transient failure and schedules the next attempt with
// the subscription's backoff settings.
func (w *Worker) reschedule(ctx context.Context, d Delivery, att Attempt, sub *subscriptions.Subscription) {
	retry := subscriptions.DefaultRetryConfig()
	if sub != nil {
		retry = sub.Retry
	}

	delay := retrypolicy.NextDelay(d.Attempt, retry.InitialDelay(), retry.BackoffMultiplier, retry.MaxDelay())
	nextRetryAt := w.now().UTC().Add(delay)

	if err := w.store.MarkRetrying(ctx, d.ID, att, nextRetryAt); err != nil {
		w.logger.Error().Err(err).Str("deliveryID", d.ID).Msg("failed to schedule retry")
		return
	}
	if w.metrics != nil {
		w.metrics.ObserveRetry(d.EventType)
	}

	w.logger.Warn().
		Str("deliveryID", d.ID).
		Str("eventType", d.EventType).
		Int("attempt", d.Attempt).
		Time("nextRetryAt", nextRetryAt).
		Str("error", att.Error).
		Msg("delivery attempt failed, retry scheduled")
}

// fail finishes the delivery as failed and applies the auto-disable
// threshold.
func (w *Worker) fail(ctx context.Context, d Delivery, att Attempt) {
	if err := w.store.MarkFailed(ctx, d.ID, att); err != nil {
		w.logger.Error().Err(err).Str("deliveryID", d.ID).Msg("failed to mark delivery as failed")
	}

	consecutive, err := w.registry.RecordFailure(ctx, d.SubscriptionID)
	if err != nil {
		if !errors.Is(err, subscriptions.ErrNotFound) {
			w.logger.Error().Err(err).Str("subscriptionID", d.SubscriptionID).Msg("failed to record failure counter")
		}
	} else if w.disableThreshold > 0 && consecutive >= w.disableThreshold {
		w.disable(ctx, d.SubscriptionID, consecutive)
	}

	if w.metrics != nil {
		w.metrics.ObserveTerminal(d.EventType, string(StatusFailed))
	}

	w.logger.Warn().
		Str("deliveryID", d.ID).
		Str("eventType", d.EventType).
		Int("attempt", d.Attempt).
		Str("error", att.Error).
		Msg("delivery failed permanently")
}

func (w *Worker) disable(ctx context.Context, subscriptionID string, consecutive int64) {
	if err := w.registry.Deactivate(ctx, subscriptionID); err != nil {
		w.logger.Error().Err(err).Str("subscriptionID", subscriptionID).Msg("failed to auto-disable subscription")
		return
	}
	if w.metrics != nil {
		w.metrics.SubscriptionsDisabledTotal.WithLabelValues("consecutive_failures").Inc()
	}
	w.logger.Warn().
		Str("subscriptionID", subscriptionID).
		Int64("consecutiveFailures", consecutive).
		Msg("subscription auto-disabled after consecutive failures")
}

// Retry re-runs a terminally failed delivery once, using the same signing and
// classification path as the worker loop. A successful retry marks the
// delivery delivered; anything else returns it to failed with the new attempt
// recorded.
func (w *Worker) Retry(ctx context.Context, deliveryID string) (Delivery, error) {
	d, err := w.store.Requeue(ctx, deliveryID)
	if err != nil {
		return Delivery{}, err
	}

	att, outcome, _ := w.attempt(ctx, d)

	if outcome == retrypolicy.OutcomeDelivered {
		w.succeed(ctx, d, att)
	} else {
		// The delivery already counted as a terminal failure; a manual
		// retry that fails again does not increment the counters.
		if err := w.store.MarkFailed(ctx, d.ID, att); err != nil {
			w.logger.Error().Err(err).Str("deliveryID", d.ID).Msg("failed to mark delivery as failed")
		}
	}

	return w.store.Get(ctx, deliveryID)
}

// SendTest performs a one-off signed delivery of an event to a subscription.
// It bypasses the queue entirely: no retries are scheduled and no counters
// are touched.
func (w *Worker) SendTest(ctx context.Context, subscriptionID string, event Event) (Attempt, error) {
	sub, err := w.registry.Get(ctx, subscriptionID)
	if err != nil {
		return Attempt{}, err
	}
	if !sub.IsActive {
		return Attempt{}, ErrSubscriptionInactive
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		return Attempt{}, fmt.Errorf("event payload is not serializable: %w", err)
	}

	d := Delivery{
		ID:             "test-" + subscriptionID,
		SubscriptionID: subscriptionID,
		EventID:        event.ID,
		EventType:      event.Type,
		Payload:        payload,
		Attempt:        1,
		MaxAttempts:    1,
	}

	att, _, _ := w.attempt(ctx, d)
	return att, nil
}
