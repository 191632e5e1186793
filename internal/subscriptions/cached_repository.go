package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/hookline/server/internal/cacheutil"
)

// CachedRepository wraps any Repository with a TTL cache over the hot read
// paths (Get and ListActiveForEvent, which the dispatcher hits on every
// event). Writes invalidate the cache; counter updates pass through without
// invalidation since cached rows only feed matching and request building.
//
// The clock is injected so TTL expiry is testable with a fake clock.
type CachedRepository struct {
	underlying Repository
	cacheTTL   time.Duration
	clock      func() time.Time

	mu           sync.RWMutex
	cachedSub    map[string]cacheutil.CachedValue[Subscription]
	cachedActive map[string]cacheutil.CachedValue[[]Subscription]
}

// NewCachedRepository wraps a repository with caching. A zero TTL disables
// caching entirely and delegates every call.
func NewCachedRepository(underlying Repository, cacheTTL time.Duration, clock func() time.Time) *CachedRepository {
	if clock == nil {
		clock = time.Now
	}
	return &CachedRepository{
		underlying:   underlying,
		cacheTTL:     cacheTTL,
		clock:        clock,
		cachedSub:    make(map[string]cacheutil.CachedValue[Subscription]),
		cachedActive: make(map[string]cacheutil.CachedValue[[]Subscription]),
	}
}

// Create stores a new subscription and invalidates cached reads.
func (r *CachedRepository) Create(ctx context.Context, sub Subscription) error {
	return cacheutil.WriteThrough(r.invalidate, func() error {
		return r.underlying.Create(ctx, sub)
	})
}

// Get retrieves a subscription with caching.
func (r *CachedRepository) Get(ctx context.Context, id string) (Subscription, error) {
	if r.cacheTTL == 0 {
		return r.underlying.Get(ctx, id)
	}

	return cacheutil.ReadThrough(
		r.clock,
		&r.mu,
		func(now time.Time) (Subscription, bool) {
			if entry, ok := r.cachedSub[id]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return Subscription{}, false
		},
		func(now time.Time) (Subscription, error) {
			sub, err := r.underlying.Get(ctx, id)
			if err != nil {
				return Subscription{}, err
			}
			r.cachedSub[id] = cacheutil.CachedValue[Subscription]{Value: sub, FetchedAt: now}
			return sub, nil
		},
	)
}

// Update modifies a subscription and invalidates cached reads.
func (r *CachedRepository) Update(ctx context.Context, sub Subscription) error {
	return cacheutil.WriteThrough(r.invalidate, func() error {
		return r.underlying.Update(ctx, sub)
	})
}

// Deactivate clears the active flag and invalidates cached reads. The
// delivery worker re-reads through this cache before each attempt, so the
// invalidation here is what makes deactivation observable to pending retries.
func (r *CachedRepository) Deactivate(ctx context.Context, id string) error {
	return cacheutil.WriteThrough(r.invalidate, func() error {
		return r.underlying.Deactivate(ctx, id)
	})
}

// List delegates to the underlying repository (admin path, not hot).
func (r *CachedRepository) List(ctx context.Context, ownerID string, limit int) ([]Subscription, error) {
	return r.underlying.List(ctx, ownerID, limit)
}

// ListActiveForEvent returns matching active subscriptions with caching,
// keyed by event type.
func (r *CachedRepository) ListActiveForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	if r.cacheTTL == 0 {
		return r.underlying.ListActiveForEvent(ctx, eventType)
	}

	return cacheutil.ReadThrough(
		r.clock,
		&r.mu,
		func(now time.Time) ([]Subscription, bool) {
			if entry, ok := r.cachedActive[eventType]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]Subscription, error) {
			subs, err := r.underlying.ListActiveForEvent(ctx, eventType)
			if err != nil {
				return nil, err
			}
			r.cachedActive[eventType] = cacheutil.CachedValue[[]Subscription]{Value: subs, FetchedAt: now}
			return subs, nil
		},
	)
}

// RecordSuccess passes through to the underlying repository.
func (r *CachedRepository) RecordSuccess(ctx context.Context, id string, triggeredAt time.Time) error {
	return r.underlying.RecordSuccess(ctx, id, triggeredAt)
}

// RecordFailure passes through to the underlying repository.
func (r *CachedRepository) RecordFailure(ctx context.Context, id string) (int64, error) {
	return r.underlying.RecordFailure(ctx, id)
}

// Close closes the underlying repository.
func (r *CachedRepository) Close() error {
	return r.underlying.Close()
}

// invalidate drops all cached entries.
func (r *CachedRepository) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedSub = make(map[string]cacheutil.CachedValue[Subscription])
	r.cachedActive = make(map[string]cacheutil.CachedValue[[]Subscription])
}
