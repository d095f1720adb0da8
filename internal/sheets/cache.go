package sheets

import (
	"sync"
	"time"
)

const DefaultCacheTTL = 10 * time.Minute

type CacheKey struct {
	SpreadsheetID string
	SheetTitle    string
}

type cacheEntry struct {
	descriptor SheetDescriptor
	cachedAt   time.Time
}

// Cache is a best-effort in-memory descriptor store. Expired entries are
// swept lazily on access; the hosting environment is request-scoped, so no
// background timer is relied on for correctness. A miss always falls through
// to a live read.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[CacheKey]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[CacheKey]cacheEntry),
	}
}

func (c *Cache) Get(key CacheKey) (SheetDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	entry, ok := c.entries[key]
	if !ok {
		return SheetDescriptor{}, false
	}
	return entry.descriptor, true
}

func (c *Cache) Put(key CacheKey, descriptor SheetDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{descriptor: descriptor, cachedAt: c.now()}
}

// Invalidate drops the entry for a key, forcing the next read to go remote.
func (c *Cache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) sweepLocked() {
	cutoff := c.now().Add(-c.ttl)
	for key, entry := range c.entries {
		if entry.cachedAt.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
