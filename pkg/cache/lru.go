// Package cache provides a generic, thread-safe LRU cache.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/jnarwell/wit-sub006/errors"
)

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[K comparable, V any] func(key K, value V)

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithEvictionCallback sets a callback invoked, under the cache lock, for each eviction.
func WithEvictionCallback[K comparable, V any](fn EvictCallback[K, V]) Option[K, V] {
	return func(c *LRU[K, V]) {
		c.evictFn = fn
	}
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// LRU evicts the least recently used entry once maxSize is exceeded.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[K]*list.Element
	order   *list.List
	evictFn EvictCallback[K, V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewLRU creates an LRU cache holding at most maxSize entries.
func NewLRU[K comparable, V any](maxSize int, opts ...Option[K, V]) (*LRU[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "validate max size")
	}
	c := &LRU[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get retrieves a value and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)
	c.hits.Add(1)
	return element.Value.(*lruEntry[K, V]).value, true
}

// Set stores a value. It returns true if a new entry was created.
func (c *LRU[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		element.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(element)
		return false
	}

	c.items[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	for len(c.items) > c.maxSize {
		c.evictOldest()
	}
	return true
}

// Delete removes an entry and reports whether it existed.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(element)
	delete(c.items, key)
	return true
}

// Size returns the current number of entries.
func (c *LRU[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit, miss and eviction counts.
func (c *LRU[K, V]) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

func (c *LRU[K, V]) evictOldest() {
	element := c.order.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*lruEntry[K, V])
	c.order.Remove(element)
	delete(c.items, entry.key)
	c.evictions.Add(1)
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
}
