package orchestrator

import (
	"context"
	"sync"
	"time"
)

// DedupStore remembers processed message ids so at-least-once
// redeliveries are dropped instead of reprocessed.
type DedupStore interface {
	// FirstSeen records the id if new and reports whether this delivery
	// is the first. The record expires after ttl.
	FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget drops the record so a failed message can be redelivered.
	Forget(ctx context.Context, id string)
}

// KV is the slice of the Redis adapter the dedup store needs.
type KV interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

const dedupKeyPrefix = "verifier:dedup:submission:"

// RedisDedup backs dedup records with SETNX and a TTL so restarts and
// parallel consumers share one memory.
type RedisDedup struct {
	kv KV
}

func NewRedisDedup(kv KV) *RedisDedup { return &RedisDedup{kv: kv} }

func (r *RedisDedup) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return r.kv.SetNX(ctx, dedupKeyPrefix+id, []byte("1"), ttl)
}

func (r *RedisDedup) Forget(ctx context.Context, id string) {
	_ = r.kv.Del(ctx, dedupKeyPrefix+id)
}

// memoryDedupSweepAt caps the map before expired entries are swept.
const memoryDedupSweepAt = 4096

// MemoryDedup is the in-process fallback when Redis is not available.
// Records from other processes are invisible to it, so it only protects
// a single consumer.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time // id → expiry
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

func (m *MemoryDedup) FirstSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.seen) >= memoryDedupSweepAt {
		for k, exp := range m.seen {
			if now.After(exp) {
				delete(m.seen, k)
			}
		}
	}
	m.seen[id] = now.Add(ttl)
	return true, nil
}

func (m *MemoryDedup) Forget(_ context.Context, id string) {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
}

var (
	_ DedupStore = (*RedisDedup)(nil)
	_ DedupStore = (*MemoryDedup)(nil)
)
