// Package memcache is a tiny in-process TTL cache used for values that are
// expensive to recompute but tolerate a short staleness window, like the
// /stats response body.
package memcache

import (
	"sync"
	"time"
)

type entry struct {
	val []byte
	exp time.Time
}

// Cache is a TTL key/value store. Expired entries are dropped lazily on
// read and swept by a background janitor.
type Cache struct {
	mu    sync.Mutex
	items map[string]entry
	stop  chan struct{}
	once  sync.Once
}

// New starts the cache and its janitor; sweep <= 0 disables sweeping.
func New(sweep time.Duration) *Cache {
	c := &Cache{items: make(map[string]entry), stop: make(chan struct{})}
	if sweep > 0 {
		go c.janitor(sweep)
	}
	return c
}

// Set stores a copy of val for ttl. A non-positive ttl stores nothing.
func (c *Cache) Set(key string, val []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	c.mu.Lock()
	c.items[key] = entry{val: cp, exp: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns a copy of the live value for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.exp) {
		delete(c.items, key)
		return nil, false
	}
	cp := make([]byte, len(e.val))
	copy(cp, e.val)
	return cp, true
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-tick.C:
			c.mu.Lock()
			for k, e := range c.items {
				if now.After(e.exp) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
