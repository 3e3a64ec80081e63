package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string](2, time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	_, _ = c.Get("a")
	c.Set("c", "3")

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_Expiry(t *testing.T) {
	c := NewLRUCache[int](10, time.Millisecond)
	c.Set("k", 1)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_ZeroCapacityDisables(t *testing.T) {
	c := NewLRUCache[int](0, time.Minute)
	c.Set("k", 1)

	_, ok := c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestLRUCache_DeleteAndClear(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
