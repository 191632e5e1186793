package inbound

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory event store for tests and development.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]InboundEvent
	now    func() time.Time
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]InboundEvent),
		now:    time.Now,
	}
}

// Admit inserts the event if its external ID is absent.
func (m *MemoryEventStore) Admit(ctx context.Context, event InboundEvent) (AdmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[event.ExternalEventID]; ok {
		return AdmitResult{IsNew: false, Event: existing}, nil
	}

	now := m.now().UTC()
	if event.Status == "" {
		event.Status = StatusPending
	}
	if event.NextAttemptAt.IsZero() {
		event.NextAttemptAt = now
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	m.events[event.ExternalEventID] = event
	return AdmitResult{IsNew: true, Event: event}, nil
}

// Get retrieves an event by its external ID.
func (m *MemoryEventStore) Get(ctx context.Context, externalEventID string) (InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[externalEventID]
	if !ok {
		return InboundEvent{}, ErrNotFound
	}
	return ev, nil
}

// ClaimForProcessing moves a pending or retrying event to processing.
func (m *MemoryEventStore) ClaimForProcessing(ctx context.Context, externalEventID string) (InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[externalEventID]
	if !ok {
		return InboundEvent{}, ErrNotFound
	}
	if ev.Status != StatusPending && ev.Status != StatusRetrying {
		return InboundEvent{}, ErrNotClaimable
	}

	now := m.now().UTC()
	ev.Status = StatusProcessing
	ev.ProcessingAttempts++
	ev.LastProcessingAt = &now
	ev.UpdatedAt = now
	m.events[externalEventID] = ev
	return ev, nil
}

// MarkSucceeded finishes the event successfully.
func (m *MemoryEventStore) MarkSucceeded(ctx context.Context, externalEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[externalEventID]
	if !ok {
		return ErrNotFound
	}

	ev.Status = StatusSucceeded
	ev.ErrorMessage = ""
	ev.UpdatedAt = m.now().UTC()
	m.events[externalEventID] = ev
	return nil
}

// MarkFailed finishes the event with a recorded error.
func (m *MemoryEventStore) MarkFailed(ctx context.Context, externalEventID string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[externalEventID]
	if !ok {
		return ErrNotFound
	}

	ev.Status = StatusFailed
	ev.ErrorMessage = errorMessage
	ev.UpdatedAt = m.now().UTC()
	m.events[externalEventID] = ev
	return nil
}

// MarkRetrying records a transient handler error and schedules the next
// attempt.
func (m *MemoryEventStore) MarkRetrying(ctx context.Context, externalEventID string, errorMessage string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[externalEventID]
	if !ok {
		return ErrNotFound
	}

	ev.Status = StatusRetrying
	ev.ErrorMessage = errorMessage
	ev.NextAttemptAt = nextAttemptAt
	ev.UpdatedAt = m.now().UTC()
	m.events[externalEventID] = ev
	return nil
}

// ListDue returns pending and retrying events ready for processing.
func (m *MemoryEventStore) ListDue(ctx context.Context, limit int) ([]InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []InboundEvent
	for _, ev := range m.events {
		if (ev.Status == StatusPending || ev.Status == StatusRetrying) && !ev.NextAttemptAt.After(now) {
			due = append(due, ev)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Close is a no-op for the memory store.
func (m *MemoryEventStore) Close() error {
	return nil
}
