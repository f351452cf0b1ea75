// Package cache provides a small TTL cache used to avoid redundant reads of
// durable storage.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kstats/internal/clock"
	"github.com/goodtune/kstats/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 16

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a bounded cache with one slot per key and per-entry expiry.
// Expiry is lazy: a stale entry is evicted when it is read.
type TTL[K comparable, V any] struct {
	name  string
	ttl   time.Duration
	clock clock.Clock
	items *lru.Cache[K, entry[V]]
	mu    sync.Mutex
}

// NewTTL creates a cache holding up to size entries for ttl each. The name
// labels the cache's hit/miss metrics.
func NewTTL[K comparable, V any](name string, size int, ttl time.Duration, clk clock.Clock) (*TTL[K, V], error) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	items, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", name, err)
	}

	return &TTL[K, V]{
		name:  name,
		ttl:   ttl,
		clock: clk,
		items: items,
	}, nil
}

// Put stores value under key, replacing any previous entry and resetting
// its expiry.
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Add(key, entry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	})
}

// Get returns the value under key if it is present and not expired.
// An expired entry is removed.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items.Get(key)
	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}

	// Entries are valid up to and including expiresAt.
	if c.clock.Now().After(e.expiresAt) {
		c.items.Remove(key)
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, false
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.value, true
}

// HasFresh reports whether key holds an unexpired value.
func (c *TTL[K, V]) HasFresh(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

// Len returns the number of stored entries, including ones that have
// expired but not yet been read.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
