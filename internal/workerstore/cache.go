package workerstore

import (
	"sync"
	"time"

	"github.com/verihive/backend/internal/core"
)

// ProfileCache is a bounded TTL cache for worker profiles. Entries past
// their TTL are served only to stale-tolerant readers until the sweeper
// removes them. At capacity the coldest entry is evicted.
type ProfileCache struct {
	mu       sync.RWMutex
	entries  map[string]*cacheEntry
	ttl      time.Duration
	capacity int
	stopCh   chan struct{}
	stopOnce sync.Once

	hits      int64
	staleHits int64
	misses    int64
}

type cacheEntry struct {
	profile    *core.WorkerProfile
	expiresAt  time.Time
	lastAccess time.Time
}

// NewProfileCache creates a cache with the given entry TTL and capacity
// and starts its background sweeper.
func NewProfileCache(ttl time.Duration, capacity int) *ProfileCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10000
	}
	c := &ProfileCache{
		entries:  make(map[string]*cacheEntry),
		ttl:      ttl,
		capacity: capacity,
		stopCh:   make(chan struct{}),
	}

	go c.sweep()

	return c
}

// Get returns a copy of the cached profile and whether the entry is
// still fresh. A nil profile means the worker is not cached at all.
func (c *ProfileCache) Get(id string) (*core.WorkerProfile, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	entry.lastAccess = now

	fresh := now.Before(entry.expiresAt)
	if fresh {
		c.hits++
	} else {
		c.staleHits++
	}
	return entry.profile.Clone(), fresh
}

// Put stores a copy of the profile, evicting the coldest entry when at
// capacity.
func (c *ProfileCache) Put(profile *core.WorkerProfile) {
	if profile == nil || profile.ID == "" {
		return
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[profile.ID]; !exists && len(c.entries) >= c.capacity {
		c.evictColdest()
	}
	c.entries[profile.ID] = &cacheEntry{
		profile:    profile.Clone(),
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
}

// Invalidate drops the entry for a worker.
func (c *ProfileCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// evictColdest removes the entry with the oldest access time. Caller
// holds the write lock. The scan is bounded by capacity.
func (c *ProfileCache) evictColdest() {
	var coldest string
	var coldestAt time.Time
	for id, entry := range c.entries {
		if coldest == "" || entry.lastAccess.Before(coldestAt) {
			coldest = id
			coldestAt = entry.lastAccess
		}
	}
	if coldest != "" {
		delete(c.entries, coldest)
	}
}

// sweep periodically removes expired entries so stale profiles do not
// accumulate for workers nobody reads anymore.
func (c *ProfileCache) sweep() {
	interval := c.ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// Stop terminates the sweeper.
func (c *ProfileCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Len returns the number of cached entries, fresh or stale.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache counters.
func (c *ProfileCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"entries":    len(c.entries),
		"capacity":   c.capacity,
		"hits":       c.hits,
		"stale_hits": c.staleHits,
		"misses":     c.misses,
	}
}
