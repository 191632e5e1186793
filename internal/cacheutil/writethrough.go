package cacheutil

import (
	"sync"
	"time"
)

// WriteThrough executes a write operation and invalidates cache on success.
// Cached repositories use this to keep reads consistent after mutations.
//
// Usage:
//
//	func (r *CachedRegistry) Update(ctx context.Context, sub Subscription) error {
//	    return cacheutil.WriteThrough(r.invalidate, func() error {
//	        return r.underlying.Update(ctx, sub)
//	    })
//	}
func WriteThrough(invalidate func(), operation func() error) error {
	if err := operation(); err != nil {
		return err
	}
	invalidate()
	return nil
}

// CachedValue represents a cached value with its fetch timestamp.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough implements a thread-safe read-through cache with double-checked
// locking. The clock is injected so TTL expiry is testable without sleeping.
//
// checkCache runs under RLock first and again under the write lock (another
// goroutine may have populated the entry between the two); fetchAndCache runs
// under the write lock only when the entry is still missing or stale.
func ReadThrough[T any](
	clock func() time.Time,
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	// Fast path: check cache under read lock
	now := clock()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Re-check with a fresh timestamp so newly-cached data is not treated
	// as expired.
	nowAfterLock := clock()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}
