package rpc

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCacheTTL = 5 * time.Second
	DefaultCacheMax = 500
)

type cacheEntry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// Cache is a bounded read-through cache keyed by remote object. Entries
// expire ttl after insertion; when full the oldest insertion is evicted.
type Cache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front is the oldest insertion
	now     func() time.Time
}

func NewCache[V any](ttl time.Duration, max int) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if max < 1 {
		max = DefaultCacheMax
	}
	return &Cache[V]{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	elem, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*cacheEntry[V])
	if c.now().Sub(e.insertedAt) >= c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry[V]{key: key, value: value, insertedAt: now})

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*cacheEntry[V])
		if len(c.entries) <= c.max && now.Sub(e.insertedAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
