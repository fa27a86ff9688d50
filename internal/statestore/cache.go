package statestore

import (
	"sync"
	"time"
)

// readCache is a small TTL cache over current entries. Negative lookups are
// cached too (nil entry). Any Put or Delete of the same (key, env)
// invalidates the slot before the write returns.
type readCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]cacheSlot
}

type cacheSlot struct {
	entry   *Entry
	cachedAt time.Time
}

func newReadCache(ttl time.Duration) *readCache {
	return &readCache{ttl: ttl, m: make(map[string]cacheSlot)}
}

func (c *readCache) get(key, env string) (*Entry, bool) {
	c.mu.RLock()
	slot, ok := c.m[keyOf(key, env)]
	c.mu.RUnlock()
	if !ok || time.Since(slot.cachedAt) > c.ttl {
		return nil, false
	}
	return slot.entry, true
}

func (c *readCache) put(key, env string, e *Entry) {
	c.mu.Lock()
	c.m[keyOf(key, env)] = cacheSlot{entry: e, cachedAt: time.Now()}
	c.mu.Unlock()
}

func (c *readCache) invalidate(key, env string) {
	c.mu.Lock()
	delete(c.m, keyOf(key, env))
	c.mu.Unlock()
}
