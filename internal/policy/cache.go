package policy

import (
	"sync"
	"time"
)

// resultCache holds recent positive gate results. Negative results are never
// cached: a denial must re-evaluate so that condition changes (or a
// killswitch reset) take effect immediately.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedResult
}

type cachedResult struct {
	res     Result
	expires time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl, entries: make(map[string]cachedResult)}
}

func (c *resultCache) get(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return Result{}, false
	}
	return e.res, true
}

func (c *resultCache) put(key string, res Result) {
	if key == "" || !res.Passed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// opportunistic sweep keeps the map from growing without bound
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cachedResult{res: res, expires: time.Now().Add(c.ttl)}
}
