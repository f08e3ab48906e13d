package api

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache TTLs per payload class.
const (
	relayTTL     = 30 * time.Second
	aggregateTTL = 60 * time.Second
)

// cacheCapacity bounds the response cache.
const cacheCapacity = 1000

type cacheEntry struct {
	body    []byte
	status  int
	expires time.Time
}

// responseCache is a capped LRU of rendered responses with per-entry TTL.
type responseCache struct {
	entries *lru.Cache[string, cacheEntry]
	now     func() time.Time
}

func newResponseCache() *responseCache {
	entries, _ := lru.New[string, cacheEntry](cacheCapacity)
	return &responseCache{entries: entries, now: time.Now}
}

func (c *responseCache) get(key string) (cacheEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return cacheEntry{}, false
	}
	if c.now().After(entry.expires) {
		c.entries.Remove(key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *responseCache) put(key string, body []byte, status int, ttl time.Duration) {
	c.entries.Add(key, cacheEntry{body: body, status: status, expires: c.now().Add(ttl)})
}
