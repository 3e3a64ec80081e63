package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

type cacheEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// LRUCache is a thread-safe LRU cache with TTL support. It is only ever a
// read-through cache in front of the database.
type LRUCache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRUCache creates a new LRU cache. A capacity of zero disables caching.
func NewLRUCache[V any](capacity int, ttl time.Duration) *LRUCache[V] {
	return &LRUCache[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get retrieves an unexpired item
func (c *LRUCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, found := c.items[key]
	if !found {
		c.misses.Add(1)
		return zero, false
	}

	entry := elem.Value.(*cacheEntry[V])
	if time.Now().After(entry.expiresAt) {
		c.remove(elem)
		c.misses.Add(1)
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Set adds or refreshes an item, evicting the least recently used one when full
func (c *LRUCache[V]) Set(key string, value V) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if elem, found := c.items[key]; found {
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&cacheEntry[V]{key: key, value: value, expiresAt: expiresAt})
	if c.order.Len() > c.capacity {
		c.remove(c.order.Back())
	}
}

// Delete removes an item from the cache
func (c *LRUCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, found := c.items[key]; found {
		c.remove(elem)
	}
}

// Clear removes all items from the cache
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}

// Len returns the current number of items in the cache
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry[V]).key)
}

// CacheStats is a point-in-time view of cache effectiveness
type CacheStats struct {
	Capacity int
	Size     int
	Hits     int64
	Misses   int64
}

// Stats returns current cache statistics
func (c *LRUCache[V]) Stats() CacheStats {
	return CacheStats{
		Capacity: c.capacity,
		Size:     c.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}
