package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testEvent(id string) InboundEvent {
	return InboundEvent{
		ExternalEventID: id,
		Source:          "stripe",
		EventType:       "invoice.paid",
		Payload:         json.RawMessage(`{"amount":42}`),
		APIVersion:      "2024-06-20",
		Livemode:        true,
	}
}

func newTestProcessor(store EventStore, handler Handler, opts ProcessorOptions) *Processor {
	opts.Store = store
	opts.Handler = handler
	opts.Logger = zerolog.Nop()
	return NewProcessor(opts)
}

func TestAdmitIsIdempotent(t *testing.T) {
	store := NewMemoryEventStore()

	first, err := store.Admit(context.Background(), testEvent("evt_1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !first.IsNew {
		t.Error("first admit reported as duplicate")
	}
	if first.Event.Status != StatusPending {
		t.Errorf("status = %q, want pending", first.Event.Status)
	}

	dup := testEvent("evt_1")
	dup.Payload = json.RawMessage(`{"amount":999}`)
	second, err := store.Admit(context.Background(), dup)
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if second.IsNew {
		t.Error("duplicate admit reported as new")
	}
	// The stored payload wins; the duplicate's is discarded.
	if string(second.Event.Payload) != `{"amount":42}` {
		t.Errorf("payload = %s, want original", second.Event.Payload)
	}
}

func TestAdmitConcurrentRace(t *testing.T) {
	store := NewMemoryEventStore()

	const goroutines = 32
	var (
		wg       sync.WaitGroup
		newCount atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Admit(context.Background(), testEvent("evt_race"))
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if res.IsNew {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := newCount.Load(); got != 1 {
		t.Errorf("%d admits reported new, want exactly 1", got)
	}
}

func TestProcessDuplicateReturnsStoredOutcome(t *testing.T) {
	store := NewMemoryEventStore()

	var handled atomic.Int32
	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		handled.Add(1)
		return nil
	}), ProcessorOptions{})

	if _, err := store.Admit(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ev, err := p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", ev.Status)
	}

	// The duplicate receipt admits nothing new and processing
	// short-circuits without running the handler again.
	res, err := store.Admit(context.Background(), testEvent("evt_1"))
	if err != nil {
		t.Fatalf("admit duplicate: %v", err)
	}
	if res.IsNew {
		t.Error("duplicate admit reported as new")
	}

	ev, err = p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if ev.Status != StatusSucceeded {
		t.Errorf("status = %q, want succeeded", ev.Status)
	}
	if got := handled.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestProcessRetriesTransientHandlerError(t *testing.T) {
	store := NewMemoryEventStore()

	var calls atomic.Int32
	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}), ProcessorOptions{RetryDelay: time.Millisecond})

	if _, err := store.Admit(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ev, err := p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusRetrying {
		t.Fatalf("status = %q, want retrying", ev.Status)
	}
	if ev.ProcessingAttempts != 1 {
		t.Errorf("processingAttempts = %d, want 1", ev.ProcessingAttempts)
	}
	if ev.ErrorMessage != "downstream unavailable" {
		t.Errorf("errorMessage = %q", ev.ErrorMessage)
	}
	if !ev.NextAttemptAt.After(ev.CreatedAt) {
		t.Error("nextAttemptAt not pushed into the future")
	}

	// Claiming a retrying event before its due time is the poller's
	// business; Process itself only refuses terminal and in-flight ones.
	ev, err = p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process retry: %v", err)
	}
	if ev.Status != StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", ev.Status)
	}
	if ev.ProcessingAttempts != 2 {
		t.Errorf("processingAttempts = %d, want 2", ev.ProcessingAttempts)
	}
	if ev.ErrorMessage != "" {
		t.Errorf("errorMessage = %q, want cleared", ev.ErrorMessage)
	}
}

func TestProcessPermanentErrorFailsImmediately(t *testing.T) {
	store := NewMemoryEventStore()

	var calls atomic.Int32
	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		calls.Add(1)
		return Permanent(errors.New("unknown account"))
	}), ProcessorOptions{})

	if _, err := store.Admit(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ev, err := p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", ev.Status)
	}
	if ev.ErrorMessage != "unknown account" {
		t.Errorf("errorMessage = %q", ev.ErrorMessage)
	}

	// Terminal short-circuit: no more handler runs.
	if _, err := p.Process(context.Background(), "evt_1"); err != nil {
		t.Fatalf("process terminal: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	store := NewMemoryEventStore()

	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		return errors.New("still broken")
	}), ProcessorOptions{MaxAttempts: 2, RetryDelay: time.Millisecond})

	if _, err := store.Admit(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ev, err := p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusRetrying {
		t.Fatalf("status after attempt 1 = %q, want retrying", ev.Status)
	}

	ev, err = p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusFailed {
		t.Fatalf("status after attempt 2 = %q, want failed", ev.Status)
	}
	if !strings.Contains(ev.ErrorMessage, "retries exhausted") {
		t.Errorf("errorMessage = %q", ev.ErrorMessage)
	}
}

func TestProcessRecoversFromHandlerPanic(t *testing.T) {
	store := NewMemoryEventStore()

	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		panic("nil map write")
	}), ProcessorOptions{})

	if _, err := store.Admit(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ev, err := p.Process(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if ev.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", ev.Status)
	}
	if !strings.Contains(ev.ErrorMessage, "handler panic") {
		t.Errorf("errorMessage = %q", ev.ErrorMessage)
	}
}

func TestProcessUnknownEvent(t *testing.T) {
	store := NewMemoryEventStore()
	p := newTestProcessor(store, HandlerFunc(func(ctx context.Context, ev InboundEvent) error {
		return nil
	}), ProcessorOptions{})

	if _, err := p.Process(context.Background(), "evt_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListDueHonorsSchedule(t *testing.T) {
	store := NewMemoryEventStore()

	if _, err := store.Admit(context.Background(), testEvent("evt_due")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := store.Admit(context.Background(), testEvent("evt_later")); err != nil {
		t.Fatalf("admit: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := store.MarkRetrying(context.Background(), "evt_later", "not yet", future); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}

	due, err := store.ListDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ExternalEventID != "evt_due" {
		t.Errorf("due = %+v, want only evt_due", due)
	}
}
