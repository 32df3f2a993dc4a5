// Package cache holds the bounded in-memory caches used on the packing path.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache is the lookup surface consumers depend on.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Put(key K, value V)
	GetOrLoad(key K, load func(K) (V, error)) (V, bool, error)
	Len() int
	Stats() (hits, misses int64)
}

var _ Cache[string, int] = (*LRU[string, int])(nil)

// LRU is a fixed-capacity least recently used cache. Entries never expire;
// it suits values derived deterministically from their key.
type LRU[K comparable, V any] struct {
	capacity int

	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List // front is most recent

	hits, misses    atomic.Int64
	hitCtr, missCtr prometheus.Counter
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// Option configures an LRU.
type Option func(*lruOptions)

type lruOptions struct {
	hits, misses prometheus.Counter
}

// WithCounters mirrors hit and miss counts into Prometheus counters.
func WithCounters(hits, misses prometheus.Counter) Option {
	return func(o *lruOptions) {
		o.hits = hits
		o.misses = misses
	}
}

// NewLRU returns an empty cache holding at most capacity entries. A
// capacity below one is treated as one.
func NewLRU[K comparable, V any](capacity int, opts ...Option) *LRU[K, V] {
	var o lruOptions
	for _, opt := range opts {
		opt(&o)
	}
	capacity = max(capacity, 1)
	return &LRU[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		hitCtr:   o.hits,
		missCtr:  o.misses,
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if ok {
		c.order.MoveToFront(elem)
	}
	c.mu.Unlock()

	if !ok {
		c.record(false)
		var zero V
		return zero, false
	}
	c.record(true)
	return elem.Value.(*lruEntry[K, V]).value, true
}

// Put stores value under key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[K, V]).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
}

// GetOrLoad returns the cached value for key or stores what load returns.
// The boolean reports a hit. Load errors are returned and nothing is stored.
func (c *LRU[K, V]) GetOrLoad(key K, load func(K) (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := load(key)
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.Put(key, v)
	return v, false, nil
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns lifetime hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *LRU[K, V]) record(hit bool) {
	if hit {
		c.hits.Add(1)
		if c.hitCtr != nil {
			c.hitCtr.Inc()
		}
		return
	}
	c.misses.Add(1)
	if c.missCtr != nil {
		c.missCtr.Inc()
	}
}
