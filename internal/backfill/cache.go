package backfill

import (
	"fmt"
	"sync"
	"time"

	"dexchart/pkg/market"
)

// DefaultCacheTTL is how long a successful backfill is served from memory.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey identifies one backfill window.
type CacheKey struct {
	Market       string
	IntervalCode string
	Limit        int
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Market, k.IntervalCode, k.Limit)
}

type cacheEntry struct {
	candles []market.Candle
	expires time.Time
}

// Cache is an in-memory TTL cache of normalized backfill results.
// A fresh instance is created per owner; there is no package-level cache.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[CacheKey]cacheEntry
	now     func() time.Time
}

// NewCache creates a cache. ttl <= 0 uses DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[CacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns a copy of the cached candles for key if the entry has not expired.
func (c *Cache) Get(key CacheKey) ([]market.Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	out := make([]market.Candle, len(e.candles))
	copy(out, e.candles)
	return out, true
}

// Set stores a copy of candles under key. Empty results are never cached.
func (c *Cache) Set(key CacheKey, candles []market.Candle) {
	if len(candles) == 0 {
		return
	}
	cp := make([]market.Candle, len(candles))
	copy(cp, candles)

	c.mu.Lock()
	c.entries[key] = cacheEntry{candles: cp, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes key.
func (c *Cache) Delete(key CacheKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[CacheKey]cacheEntry)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included until the next Sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
