package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory delivery queue for tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory delivery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deliveries: make(map[string]Delivery),
		now:        time.Now,
	}
}

// Enqueue inserts a new delivery in pending state.
func (m *MemoryStore) Enqueue(ctx context.Context, d Delivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = now
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	m.deliveries[d.ID] = d
	return d.ID, nil
}

// DequeueDue returns deliveries ready for an attempt, oldest first.
func (m *MemoryStore) DequeueDue(ctx context.Context, limit int) ([]Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var due []Delivery
	for _, d := range m.deliveries {
		if (d.Status == StatusPending || d.Status == StatusRetrying) && !d.ScheduledAt.After(now) {
			due = append(due, d)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkProcessing claims a pending or retrying delivery.
func (m *MemoryStore) MarkProcessing(ctx context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	if d.Status != StatusPending && d.Status != StatusRetrying {
		return Delivery{}, ErrNotClaimable
	}

	d.Status = StatusProcessing
	d.Attempt++
	d.UpdatedAt = m.now().UTC()
	m.deliveries[id] = d
	return d, nil
}

// MarkDelivered records a successful attempt and finishes the delivery.
func (m *MemoryStore) MarkDelivered(ctx context.Context, id string, att Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	now := m.now().UTC()
	d.Status = StatusDelivered
	d.Attempts = append(d.Attempts, att)
	d.LastError = ""
	d.NextRetryAt = nil
	d.DeliveredAt = &now
	d.UpdatedAt = now
	if att.HTTPStatus != 0 {
		status := att.HTTPStatus
		d.HTTPStatus = &status
	}
	m.deliveries[id] = d
	return nil
}

// MarkRetrying records a failed attempt and schedules the next one.
func (m *MemoryStore) MarkRetrying(ctx context.Context, id string, att Attempt, nextRetryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	d.Status = StatusRetrying
	d.Attempts = append(d.Attempts, att)
	d.LastError = att.Error
	d.ScheduledAt = nextRetryAt
	d.NextRetryAt = &nextRetryAt
	d.UpdatedAt = m.now().UTC()
	if att.HTTPStatus != 0 {
		status := att.HTTPStatus
		d.HTTPStatus = &status
	}
	m.deliveries[id] = d
	return nil
}

// MarkFailed records a failed attempt and finishes the delivery.
func (m *MemoryStore) MarkFailed(ctx context.Context, id string, att Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}

	d.Status = StatusFailed
	d.Attempts = append(d.Attempts, att)
	d.LastError = att.Error
	d.NextRetryAt = nil
	d.UpdatedAt = m.now().UTC()
	if att.HTTPStatus != 0 {
		status := att.HTTPStatus
		d.HTTPStatus = &status
	}
	m.deliveries[id] = d
	return nil
}

// Requeue claims a terminally failed delivery for a manual retry.
func (m *MemoryStore) Requeue(ctx context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	if d.Status != StatusFailed {
		return Delivery{}, ErrNotRetryable
	}

	d.Status = StatusProcessing
	d.Attempt++
	d.UpdatedAt = m.now().UTC()
	m.deliveries[id] = d
	return d, nil
}

// Get retrieves a delivery by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

// List returns deliveries, newest first, optionally filtered by status.
func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Delivery
	for _, d := range m.deliveries {
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountDue returns the number of deliveries waiting to be attempted.
func (m *MemoryStore) CountDue(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, d := range m.deliveries {
		if d.Status == StatusPending || d.Status == StatusRetrying {
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
