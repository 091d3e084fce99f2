package license

import (
	"sync"
	"time"
)

// Cache memoizes the last successfully validated license record so query
// traffic does not re-decrypt the store on every call. Only a currently
// valid record is ever stored; expired, corrupted, and not-activated
// outcomes always read through, so state changes on disk are picked up
// without an explicit invalidation.
type Cache struct {
	mu        sync.RWMutex
	entry     *cacheEntry
	ttl       time.Duration
	hitCount  int64
	missCount int64
}

type cacheEntry struct {
	record    *Record
	cachedAt  time.Time
	expiresAt time.Time
}

// CacheStats reports cache effectiveness for diagnostics.
type CacheStats struct {
	Cached     bool          `json:"cached"`
	HitCount   int64         `json:"hit_count"`
	MissCount  int64         `json:"miss_count"`
	HitRatio   float64       `json:"hit_ratio"`
	TTL        time.Duration `json:"-"`
	TTLSeconds float64       `json:"ttl_seconds"`
}

// NewCache creates a cache whose entries live at most ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Get returns a copy of the cached record, or nil when the cache is empty
// or the entry has outlived its TTL.
func (c *Cache) Get() (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil || time.Now().After(c.entry.expiresAt) {
		c.entry = nil
		c.missCount++
		return nil, false
	}

	c.hitCount++
	return c.entry.record.Clone(), true
}

// Set stores a record. A non-positive TTL disables caching entirely.
func (c *Cache) Set(rec *Record) {
	if c.ttl <= 0 || rec == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entry = &cacheEntry{
		record:    rec.Clone(),
		cachedAt:  now,
		expiresAt: now.Add(c.ttl),
	}
}

// Invalidate drops the cached record. Every state-changing operation calls
// this so the next read re-decrypts from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}

	return CacheStats{
		Cached:     c.entry != nil,
		HitCount:   c.hitCount,
		MissCount:  c.missCount,
		HitRatio:   ratio,
		TTL:        c.ttl,
		TTLSeconds: c.ttl.Seconds(),
	}
}
