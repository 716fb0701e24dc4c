package bridge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bher20/sungrowbridge/internal/metrics"
)

// Entry is a cached value and the time it was produced.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
}

// FetchFunc produces a fresh value. now is the timestamp the value will be
// stored under.
type FetchFunc[V any] func(ctx context.Context, now time.Time) (V, error)

// Cache is a TTL cache keyed by request shape. A miss for a key runs at most
// one fetch at a time; concurrent callers for that key share its result.
// Values are shared between callers and must be treated as read-only.
type Cache[V any] struct {
	line    string
	ttl     time.Duration
	now     func() time.Time
	onStore func(key string, e Entry[V])

	mu      sync.Mutex
	entries map[string]Entry[V]
	flights singleflight.Group
}

// NewCache returns a Cache serving entries for ttl. line labels the cache's
// metrics and must come from a small fixed set, never from request input.
// onStore, when set, runs after every write and before the writing call
// returns.
func NewCache[V any](line string, ttl time.Duration, now func() time.Time, onStore func(key string, e Entry[V])) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		line:    line,
		ttl:     ttl,
		now:     now,
		onStore: onStore,
		entries: make(map[string]Entry[V]),
	}
}

// GetOrFetch returns the value cached under key while it is younger than the
// TTL. Otherwise it runs fetch, stores the result and returns it. Failed
// fetches are not cached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.lookup(key, c.now()); ok {
		metrics.CacheLookupsTotal.WithLabelValues(c.line, "hit").Inc()
		return v, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.line, "miss").Inc()

	res, err, _ := c.flights.Do(key, func() (any, error) {
		now := c.now()
		// A flight that finished while we queued may have filled the line.
		if v, ok := c.lookup(key, now); ok {
			return v, nil
		}
		v, err := fetch(ctx, now)
		if err != nil {
			return nil, err
		}
		e := Entry[V]{Value: v, StoredAt: now}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
		if c.onStore != nil {
			c.onStore(key, e)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) lookup(key string, now time.Time) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.StoredAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Entries returns every stored entry, expired ones included.
func (c *Cache[V]) Entries() map[string]Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry[V], len(c.entries))
	for k, e := range c.entries {
		out[k] = e
	}
	return out
}

// Restore puts a previously stored entry back without running onStore.
func (c *Cache[V]) Restore(key string, e Entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}
