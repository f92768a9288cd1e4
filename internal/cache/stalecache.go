// Package cache implements the stale-value/refresh-counting cache pattern
// shared by Stargate's push-protocol gateways (Lutron, DSC): every watched
// entity starts "stale"; a blocking Get refreshes (if not already in
// flight) and polls every 100ms until a value arrives; concurrent refresh
// requests are tracked with a counter rather than a flag so that any number
// of in-flight refreshes can be reconciled against incoming records without
// mis-attributing a user action as a refresh or vice versa (spec.md §4.7/
// §9 — replacing the source's sentinel string "stale" with a tagged
// Value|Stale variant, modeled here as a presence bit per key).
package cache

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how often a blocking Get re-checks a stale value.
const pollInterval = 100 * time.Millisecond

// StaleCache is a generic keyed cache of last-known values, each of which
// starts absent ("stale") until a Record call fills it in.
type StaleCache[K comparable, T any] struct {
	mu         sync.Mutex
	values     map[K]T
	valid      map[K]bool
	refreshing map[K]int

	onInFlightChange func(delta int)
}

// New creates an empty StaleCache.
func New[K comparable, T any]() *StaleCache[K, T] {
	return &StaleCache[K, T]{
		values:     make(map[K]T),
		valid:      make(map[K]bool),
		refreshing: make(map[K]int),
	}
}

// Watch registers key as a cacheable entity, initially stale. Calling
// Watch on an already-watched key is a no-op.
func (c *StaleCache[K, T]) Watch(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.valid[key]; !ok {
		c.valid[key] = false
	}
}

// OnInFlightChange installs fn to be called with +1 each time a refresh
// request for some key begins and -1 each time one is satisfied by a
// Record call, letting a caller that shares several StaleCache instances
// (e.g. one per cached entity kind within a gateway) maintain a single
// aggregate in-flight count, as spec.md §4.7/§4.8's per-iid refresh
// counters are surfaced via metrics.Collector.SetRefreshesInFlight.
func (c *StaleCache[K, T]) OnInFlightChange(fn func(delta int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInFlightChange = fn
}

// MarkRefreshPending records that a refresh request for key has been
// dispatched to the wire, independent of any blocking Get in progress.
// Used by reconnect logic that re-enqueues refresh queries directly.
func (c *StaleCache[K, T]) MarkRefreshPending(key K) {
	c.mu.Lock()
	c.refreshing[key]++
	cb := c.onInFlightChange
	c.mu.Unlock()
	if cb != nil {
		cb(1)
	}
}

// Record stores value for key and reports whether this record satisfies a
// pending refresh (refreshing[key] was > 0), decrementing the counter if
// so. refresh=false means the record is attributable to a genuine
// externally-originated state change.
func (c *StaleCache[K, T]) Record(key K, value T) (refresh bool) {
	c.mu.Lock()
	c.values[key] = value
	c.valid[key] = true
	if c.refreshing[key] > 0 {
		c.refreshing[key]--
		refresh = true
	}
	cb := c.onInFlightChange
	c.mu.Unlock()
	if refresh && cb != nil {
		cb(-1)
	}
	return refresh
}

// Get blocks until key has a recorded value, invoking sendRefresh at most
// once per stale-poll cycle in which no refresh is already in flight, and
// polling every 100ms otherwise. Returns ctx.Err() if ctx is cancelled
// before a value appears.
func (c *StaleCache[K, T]) Get(ctx context.Context, key K, sendRefresh func()) (T, error) {
	for {
		c.mu.Lock()
		if c.valid[key] {
			v := c.values[key]
			c.mu.Unlock()
			return v, nil
		}
		needRefresh := c.refreshing[key] == 0
		if needRefresh {
			c.refreshing[key]++
		}
		cb := c.onInFlightChange
		c.mu.Unlock()

		if needRefresh {
			if cb != nil {
				cb(1)
			}
			if sendRefresh != nil {
				sendRefresh()
			}
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Peek returns the current value without blocking or triggering a refresh.
func (c *StaleCache[K, T]) Peek(key K) (value T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid[key] {
		return c.values[key], true
	}
	var zero T
	return zero, false
}

// Invalidate marks key as stale again, e.g. after a reconnect, without
// discarding any in-flight refresh counter.
func (c *StaleCache[K, T]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid[key] = false
}

// InvalidateAll marks every known key as stale, used when a gateway
// reconnects and must re-fill its entire cache.
func (c *StaleCache[K, T]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.valid {
		c.valid[k] = false
	}
}

// Keys returns every key ever watched or recorded.
func (c *StaleCache[K, T]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.valid))
	for k := range c.valid {
		keys = append(keys, k)
	}
	return keys
}
