package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hookline/server/internal/signature"
	"github.com/hookline/server/internal/subscriptions"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

const testSecret = "whsec_test_secret"

func testSubscription(url string) subscriptions.Subscription {
	return subscriptions.Subscription{
		ID:      "sub-1",
		OwnerID: "owner-1",
		URL:     url,
		Secret:  testSecret,
		Events:  []string{"invoice.*"},
		Method:  subscriptions.MethodPost,
		Retry: subscriptions.RetryConfig{
			Enabled:           true,
			MaxAttempts:       3,
			InitialDelayMs:    10,
			BackoffMultiplier: 2,
			MaxDelayMs:        100,
		},
		IsActive: true,
	}
}

func newTestWorker(t *testing.T, registry subscriptions.Repository, opts WorkerOptions) (*Worker, *MemoryStore, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now

	opts.Store = store
	opts.Registry = registry
	opts.Logger = zerolog.Nop()
	opts.Clock = clock.Now
	opts.Codec = signature.NewCodec(signature.WithClock(clock.Now))

	return NewWorker(opts), store, clock
}

func enqueueTestDelivery(t *testing.T, store *MemoryStore, sub subscriptions.Subscription, maxAttempts int) string {
	t.Helper()

	payload, err := json.Marshal(map[string]any{"amount": 42, "currency": "usd"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	id, err := store.Enqueue(context.Background(), Delivery{
		SubscriptionID: sub.ID,
		EventID:        "evt-1",
		EventType:      "invoice.paid",
		URL:            sub.URL,
		Payload:        payload,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func runUntilTerminal(t *testing.T, w *Worker, store *MemoryStore, clock *fakeClock, id string) Delivery {
	t.Helper()

	for i := 0; i < 20; i++ {
		w.processQueue(context.Background())
		d, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get delivery: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		clock.Advance(time.Second)
	}
	t.Fatal("delivery never reached a terminal status")
	return Delivery{}
}

func TestWorkerDeliversSignedRequest(t *testing.T) {
	// Capture the exact body bytes, the signature covers them verbatim.
	var (
		rawBody    []byte
		gotHeaders http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		rawBody = body
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	d := runUntilTerminal(t, w, store, clock, id)

	if d.Status != StatusDelivered {
		t.Fatalf("status = %q, want %q (lastError: %s)", d.Status, StatusDelivered, d.LastError)
	}
	if d.DeliveredAt == nil {
		t.Error("deliveredAt not set")
	}
	if d.HTTPStatus == nil || *d.HTTPStatus != http.StatusOK {
		t.Errorf("httpStatus = %v, want 200", d.HTTPStatus)
	}
	if len(d.Attempts) != 1 {
		t.Fatalf("attempt history has %d entries, want 1", len(d.Attempts))
	}

	if got := gotHeaders.Get("X-Event-Type"); got != "invoice.paid" {
		t.Errorf("X-Event-Type = %q, want %q", got, "invoice.paid")
	}
	if got := gotHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	ts, err := strconv.ParseInt(gotHeaders.Get("X-Event-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("parse X-Event-Timestamp: %v", err)
	}
	codec := signature.NewCodec()
	if err := codec.Verify(testSecret, ts, rawBody, gotHeaders.Get("X-Signature"), 0); err != nil {
		t.Errorf("signature verification failed: %v", err)
	}

	var body struct {
		EventType string         `json:"eventType"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.EventType != "invoice.paid" {
		t.Errorf("body eventType = %q, want %q", body.EventType, "invoice.paid")
	}
	if body.Data["amount"] != float64(42) {
		t.Errorf("body data amount = %v, want 42", body.Data["amount"])
	}

	stored, err := registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.SuccessfulDeliveries != 1 {
		t.Errorf("successfulDeliveries = %d, want 1", stored.SuccessfulDeliveries)
	}
	if stored.LastTriggeredAt == nil {
		t.Error("lastTriggeredAt not set")
	}
}

func TestWorkerRetriesUntilExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	// First attempt schedules the first retry; capture its delay to check
	// that backoff grows.
	w.processQueue(context.Background())
	afterFirst, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if afterFirst.Status != StatusRetrying {
		t.Fatalf("status after first attempt = %q, want %q", afterFirst.Status, StatusRetrying)
	}
	firstDelay := afterFirst.NextRetryAt.Sub(clock.Now())

	clock.Advance(time.Second)
	w.processQueue(context.Background())
	afterSecond, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if afterSecond.Status != StatusRetrying {
		t.Fatalf("status after second attempt = %q, want %q", afterSecond.Status, StatusRetrying)
	}
	secondDelay := afterSecond.NextRetryAt.Sub(clock.Now())
	if secondDelay <= firstDelay {
		t.Errorf("backoff did not grow: first %v, second %v", firstDelay, secondDelay)
	}

	d := runUntilTerminal(t, w, store, clock, id)

	if d.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", d.Status, StatusFailed)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	if len(d.Attempts) != 3 {
		t.Fatalf("attempt history has %d entries, want 3", len(d.Attempts))
	}
	for i, att := range d.Attempts {
		if att.Number != i+1 {
			t.Errorf("attempt %d has number %d", i, att.Number)
		}
	}
	if !strings.Contains(d.LastError, "retries exhausted") {
		t.Errorf("lastError = %q, want retries exhausted", d.LastError)
	}
	if d.NextRetryAt != nil {
		t.Error("terminal delivery still has nextRetryAt")
	}

	stored, err := registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.FailedDeliveries != 1 {
		t.Errorf("failedDeliveries = %d, want 1 (one per terminal outcome)", stored.FailedDeliveries)
	}
}

func TestWorkerSkipsDeactivatedSubscription(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	// Deactivation lands between enqueue and the first attempt.
	if err := registry.Deactivate(context.Background(), sub.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	d := runUntilTerminal(t, w, store, clock, id)

	if d.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", d.Status, StatusFailed)
	}
	if d.LastError != "subscription inactive" {
		t.Errorf("lastError = %q, want %q", d.LastError, "subscription inactive")
	}
	if got := hits.Load(); got != 0 {
		t.Errorf("endpoint hit %d times, want 0", got)
	}
}

func TestWorkerPermanentFailureDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	d := runUntilTerminal(t, w, store, clock, id)

	if d.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", d.Status, StatusFailed)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}
	if d.HTTPStatus == nil || *d.HTTPStatus != http.StatusNotFound {
		t.Errorf("httpStatus = %v, want 404", d.HTTPStatus)
	}
}

func TestWorkerRecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try again", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	d := runUntilTerminal(t, w, store, clock, id)

	if d.Status != StatusDelivered {
		t.Fatalf("status = %q, want %q", d.Status, StatusDelivered)
	}
	if len(d.Attempts) != 2 {
		t.Fatalf("attempt history has %d entries, want 2", len(d.Attempts))
	}

	stored, err := registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.SuccessfulDeliveries != 1 || stored.FailedDeliveries != 0 {
		t.Errorf("counters = %d/%d, want 1 success, 0 failed",
			stored.SuccessfulDeliveries, stored.FailedDeliveries)
	}
	if stored.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", stored.ConsecutiveFailures)
	}
}

func TestWorkerManualRetry(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{})
	id := enqueueTestDelivery(t, store, sub, 3)

	d := runUntilTerminal(t, w, store, clock, id)
	if d.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", d.Status, StatusFailed)
	}

	// Retrying a delivery that is not failed is rejected.
	if _, err := w.Retry(context.Background(), "no-such-id"); err != ErrNotFound {
		t.Errorf("retry of unknown delivery: err = %v, want ErrNotFound", err)
	}

	healthy.Store(true)
	retried, err := w.Retry(context.Background(), id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusDelivered {
		t.Fatalf("status after retry = %q, want %q", retried.Status, StatusDelivered)
	}
	if retried.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", retried.Attempt)
	}

	// A second manual retry of a delivered row is rejected.
	if _, err := w.Retry(context.Background(), id); err != ErrNotRetryable {
		t.Errorf("retry of delivered delivery: err = %v, want ErrNotRetryable", err)
	}
}

func TestWorkerAutoDisablesFailingSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, clock := newTestWorker(t, registry, WorkerOptions{DisableThreshold: 2})

	first := enqueueTestDelivery(t, store, sub, 1)
	runUntilTerminal(t, w, store, clock, first)

	stored, err := registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if !stored.IsActive {
		t.Fatal("subscription disabled after a single failure")
	}

	second := enqueueTestDelivery(t, store, sub, 1)
	runUntilTerminal(t, w, store, clock, second)

	stored, err = registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.IsActive {
		t.Error("subscription still active after hitting the disable threshold")
	}
}

func TestSendTestBypassesQueue(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registry := subscriptions.NewMemoryRepository()
	sub := testSubscription(server.URL)
	if err := registry.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	w, store, _ := newTestWorker(t, registry, WorkerOptions{})

	att, err := w.SendTest(context.Background(), sub.ID, Event{
		ID:   "evt-test",
		Type: "invoice.paid",
		Data: map[string]any{"test": true},
	})
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	if att.HTTPStatus != http.StatusOK {
		t.Errorf("httpStatus = %d, want 200", att.HTTPStatus)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}

	// No queue rows, no counter mutation.
	rows, err := store.List(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("queue has %d rows, want 0", len(rows))
	}
	stored, err := registry.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if stored.SuccessfulDeliveries != 0 {
		t.Errorf("successfulDeliveries = %d, want 0", stored.SuccessfulDeliveries)
	}

	// Inactive target is rejected before any request is made.
	if err := registry.Deactivate(context.Background(), sub.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := w.SendTest(context.Background(), sub.ID, Event{Type: "invoice.paid"}); err != ErrSubscriptionInactive {
		t.Errorf("send test to inactive subscription: err = %v, want ErrSubscriptionInactive", err)
	}
}
