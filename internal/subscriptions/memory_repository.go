package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/hookline/server/internal/eventmatch"
)

// MemoryRepository is an in-memory implementation of Repository for tests
// and single-process deployments.
type MemoryRepository struct {
	mu   sync.RWMutex
	subs map[string]Subscription

	// Secondary index: ownerID -> subscription IDs
	byOwner map[string][]string
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subs:    make(map[string]Subscription),
		byOwner: make(map[string][]string),
	}
}

// Create stores a new subscription.
func (r *MemoryRepository) Create(_ context.Context, sub Subscription) error {
	if sub.ID == "" {
		return ErrInvalidSubscription
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subs[sub.ID]; exists {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	r.subs[sub.ID] = sub
	if sub.OwnerID != "" {
		r.byOwner[sub.OwnerID] = append(r.byOwner[sub.OwnerID], sub.ID)
	}

	return nil
}

// Get retrieves a subscription by ID.
func (r *MemoryRepository) Get(_ context.Context, id string) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

// Update modifies an existing subscription's configuration. The dispatcher-
// owned counters are carried over from the stored row, never from the input.
func (r *MemoryRepository) Update(_ context.Context, sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}

	sub.SuccessfulDeliveries = existing.SuccessfulDeliveries
	sub.FailedDeliveries = existing.FailedDeliveries
	sub.ConsecutiveFailures = existing.ConsecutiveFailures
	sub.LastTriggeredAt = existing.LastTriggeredAt
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now().UTC()

	if existing.OwnerID != sub.OwnerID {
		r.removeOwnerIndex(existing.OwnerID, sub.ID)
		if sub.OwnerID != "" {
			r.byOwner[sub.OwnerID] = append(r.byOwner[sub.OwnerID], sub.ID)
		}
	}

	r.subs[sub.ID] = sub
	return nil
}

// Deactivate clears the active flag.
func (r *MemoryRepository) Deactivate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.IsActive = false
	sub.UpdatedAt = time.Now().UTC()
	r.subs[id] = sub
	return nil
}

// List returns subscriptions, optionally filtered by owner.
func (r *MemoryRepository) List(_ context.Context, ownerID string, limit int) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	if ownerID != "" {
		for _, id := range r.byOwner[ownerID] {
			if sub, ok := r.subs[id]; ok {
				out = append(out, sub)
			}
		}
	} else {
		for _, sub := range r.subs {
			out = append(out, sub)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveForEvent returns active subscriptions matching the event type.
func (r *MemoryRepository) ListActiveForEvent(_ context.Context, eventType string) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, sub := range r.subs {
		if !sub.IsActive {
			continue
		}
		if eventmatch.MatchesAny(eventType, sub.Events) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// RecordSuccess increments successfulDeliveries and stamps lastTriggeredAt.
func (r *MemoryRepository) RecordSuccess(_ context.Context, id string, triggeredAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrNotFound
	}

	sub.SuccessfulDeliveries++
	sub.ConsecutiveFailures = 0
	sub.LastTriggeredAt = &triggeredAt
	r.subs[id] = sub
	return nil
}

// RecordFailure increments failedDeliveries and consecutiveFailures.
func (r *MemoryRepository) RecordFailure(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return 0, ErrNotFound
	}

	sub.FailedDeliveries++
	sub.ConsecutiveFailures++
	r.subs[id] = sub
	return sub.ConsecutiveFailures, nil
}

// Close is a no-op for the memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// removeOwnerIndex drops id from an owner's index entry (caller holds lock).
func (r *MemoryRepository) removeOwnerIndex(ownerID, id string) {
	if ownerID == "" {
		return
	}
	ids := r.byOwner[ownerID]
	for i, existing := range ids {
		if existing == id {
			r.byOwner[ownerID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
