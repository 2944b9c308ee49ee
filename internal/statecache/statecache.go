// Package statecache provides an in-memory cache of derived current-state
// rows in front of the store, for hot entities read by trading strategies.
package statecache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keeldb/keel/pkg/types"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
}

// Cache is a bounded in-memory cache of CurrentState rows keyed by
// (event log id, entity id). Entries are evicted least-recently-used when
// the entry count exceeds the bound; an evicted entity is transparently
// refilled from the store (or reconstructor) on the next read.
type Cache struct {
	maxEntries int64
	metrics    Metrics
	index      sync.Map // key → *cacheEntry
	evictMu    sync.Mutex
}

type cacheEntry struct {
	state      *types.CurrentState
	lastAccess atomic.Int64 // Unix nanos
}

// New creates a cache bounded to maxEntries entries. A bound of zero or
// less disables caching entirely.
func New(maxEntries int64) *Cache {
	return &Cache{maxEntries: maxEntries}
}

func key(logID, entityID string) string {
	return logID + "\x00" + entityID
}

// Get returns the cached state for an entity, if present.
func (c *Cache) Get(logID, entityID string) (*types.CurrentState, bool) {
	if c == nil || c.maxEntries <= 0 {
		return nil, false
	}
	v, ok := c.index.Load(key(logID, entityID))
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}
	entry := v.(*cacheEntry)
	entry.lastAccess.Store(time.Now().UnixNano())
	c.metrics.Hits.Add(1)
	return entry.state, true
}

// Put stores the state for an entity, evicting old entries if the cache is
// over its bound. Callers must treat the stored value as immutable.
func (c *Cache) Put(state *types.CurrentState) {
	if c == nil || c.maxEntries <= 0 || state == nil {
		return
	}
	k := key(state.EventLogID, state.EntityID)
	entry := &cacheEntry{state: state}
	entry.lastAccess.Store(time.Now().UnixNano())

	if _, existed := c.index.Swap(k, entry); !existed {
		c.metrics.Entries.Add(1)
	}

	if c.metrics.Entries.Load() > c.maxEntries {
		c.evictOldest()
	}
}

// Invalidate drops an entity from the cache.
func (c *Cache) Invalidate(logID, entityID string) {
	if c == nil {
		return
	}
	if _, existed := c.index.LoadAndDelete(key(logID, entityID)); existed {
		c.metrics.Entries.Add(-1)
	}
}

// evictOldest removes the least recently used tenth of the cache.
func (c *Cache) evictOldest() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.metrics.Entries.Load() <= c.maxEntries {
		return
	}

	type aged struct {
		key        string
		lastAccess int64
	}
	var all []aged
	c.index.Range(func(k, v interface{}) bool {
		all = append(all, aged{k.(string), v.(*cacheEntry).lastAccess.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccess < all[j].lastAccess })

	toEvict := int64(len(all)) - c.maxEntries + c.maxEntries/10
	for i := int64(0); i < toEvict && i < int64(len(all)); i++ {
		if _, existed := c.index.LoadAndDelete(all[i].key); existed {
			c.metrics.Entries.Add(-1)
			c.metrics.Evictions.Add(1)
		}
	}
}

// Stats returns current cache metrics.
func (c *Cache) Stats() (hits, misses, evictions, entries int64) {
	if c == nil {
		return 0, 0, 0, 0
	}
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(),
		c.metrics.Evictions.Load(), c.metrics.Entries.Load()
}

// HitRate returns the cache hit rate as a percentage.
func (c *Cache) HitRate() float64 {
	hits, misses, _, _ := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
