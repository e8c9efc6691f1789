// Package cache provides result caching for SoundGraph.
//
// Clustering a set of sounds means one nearest-neighbor query per sound
// plus community detection, so identical requests made within a short
// window are served from memory instead.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for stale results
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	cache := NewResultCache[*Response](256, 10*time.Minute)
//
//	key := Key("cluster_points", featureSet, strings.Join(ids, ","))
//	if resp, ok := cache.Get(key); ok {
//		return resp // Cache hit
//	}
//
//	resp := cluster(ids)
//	cache.Put(key, resp)
package cache

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

// ResultCache is a thread-safe LRU cache with optional TTL.
//
// Eviction and expiry are delegated to an expirable LRU; this type adds
// the enable switch and hit/miss accounting.
type ResultCache[V any] struct {
	mu sync.RWMutex

	// Configuration
	maxSize int
	ttl     time.Duration
	enabled bool

	lru *expirable.LRU[string, V]

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResultCache creates a new result cache.
//
// Parameters:
//   - maxSize: Maximum number of cached results (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
//
// Example:
//
//	// Cache up to 256 results for 10 minutes each
//	cache := NewResultCache[[]byte](256, 10*time.Minute)
//
//	// Unlimited TTL (only LRU eviction)
//	cache = NewResultCache[[]byte](256, 0)
func NewResultCache[V any](maxSize int, ttl time.Duration) *ResultCache[V] {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ResultCache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		lru:     expirable.NewLRU[string, V](maxSize, nil, ttl),
	}
}

// Key derives a cache key from the given parts. Parts are length-prefixed
// before hashing so ("ab", "c") and ("a", "bc") differ.
func Key(parts ...string) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get retrieves a cached result if present and not expired.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()

	if enabled {
		if v, ok := c.lru.Get(key); ok {
			c.hits.Add(1)
			return v, true
		}
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Put adds a result to the cache, evicting the least recently used entry
// when full. Existing keys are overwritten and their TTL restarts.
func (c *ResultCache[V]) Put(key string, value V) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return
	}
	c.lru.Add(key, value)
}

// Remove removes an entry from the cache.
func (c *ResultCache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Clear removes all entries from the cache.
func (c *ResultCache[V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *ResultCache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns cache statistics.
func (c *ResultCache[V]) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size    int     `json:"size"`     // Current number of entries
	MaxSize int     `json:"max_size"` // Maximum capacity
	Hits    uint64  `json:"hits"`     // Number of cache hits
	Misses  uint64  `json:"misses"`   // Number of cache misses
	HitRate float64 `json:"hit_rate"` // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling drops all entries.
func (c *ResultCache[V]) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.lru.Purge()
	}
}
