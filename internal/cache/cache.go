/**
 * Result Cache
 *
 * Bounded caches for OCR results and translated chunks. The in-process LRU
 * is the default; RedisCache shares results between worker replicas.
 */

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultSize is the default LRU capacity
const DefaultSize = 200

// Cache stores opaque values by key. Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value. ttl <= 0 means no expiry where the backend supports it.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

type entry struct {
	key     string
	value   []byte
	expires time.Time
}

// LRU is an in-process cache that evicts the least recently used entry on overflow
type LRU struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[string]*list.Element
	now   func() time.Time
}

// NewLRU creates an LRU holding at most size entries (DefaultSize if size <= 0)
func NewLRU(size int) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	return &LRU{
		size:  size,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Get returns the value for key and marks it most recently used
func (c *LRU) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.removeLocked(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

// Set inserts or refreshes key, evicting the oldest entry when full
func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expires = expires
		c.ll.MoveToFront(el)
		return
	}

	c.items[key] = c.ll.PushFront(&entry{key: key, value: value, expires: expires})
	for c.ll.Len() > c.size {
		c.removeLocked(c.ll.Back())
	}
}

// Delete removes key if present
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of cached entries
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LRU) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
