package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/infra"
)

// ShareIndex tracks which workers were seen on an IP address or device
// fingerprint. The network detector reads the distinct-worker counts;
// a Redis backing makes them visible across pods.
type ShareIndex interface {
	// RecordIP associates a worker with an IP and returns the distinct
	// worker count for that IP.
	RecordIP(ctx context.Context, ip, workerID string) (int64, error)

	// RecordFingerprint associates a worker with a fingerprint hash and
	// returns the distinct worker count for that fingerprint.
	RecordFingerprint(ctx context.Context, hash, workerID string) (int64, error)
}

// FingerprintHash canonicalizes a device fingerprint for indexing.
func FingerprintHash(fp *core.DeviceFingerprint) string {
	if fp == nil {
		return ""
	}
	payload := fmt.Sprintf("%s|%s|%v|%s|%s", fp.Canvas, fp.WebGL, fp.Plugins, fp.Timezone, fp.UserAgent)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:16])
}

// RedisShareIndex keeps the worker sets in Redis under fraud:ip:<ip>
// and fraud:fp:<hash>, each expiring after the fingerprint TTL.
type RedisShareIndex struct {
	redis *infra.GoRedisAdapter
	ttl   time.Duration
}

func NewRedisShareIndex(redis *infra.GoRedisAdapter, ttl time.Duration) *RedisShareIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisShareIndex{redis: redis, ttl: ttl}
}

func (r *RedisShareIndex) RecordIP(ctx context.Context, ip, workerID string) (int64, error) {
	return r.record(ctx, "fraud:ip:"+ip, workerID)
}

func (r *RedisShareIndex) RecordFingerprint(ctx context.Context, hash, workerID string) (int64, error) {
	return r.record(ctx, "fraud:fp:"+hash, workerID)
}

func (r *RedisShareIndex) record(ctx context.Context, key, workerID string) (int64, error) {
	if err := r.redis.SAdd(ctx, key, workerID); err != nil {
		return 0, fmt.Errorf("share index add: %w", err)
	}
	// Refresh expiry on every sighting so active clusters stay indexed
	if err := r.redis.Expire(ctx, key, r.ttl); err != nil {
		return 0, fmt.Errorf("share index expire: %w", err)
	}
	count, err := r.redis.SCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("share index count: %w", err)
	}
	return count, nil
}

var _ ShareIndex = (*RedisShareIndex)(nil)

// MemoryShareIndex is the single-pod fallback used in tests and local
// development.
type MemoryShareIndex struct {
	mu   sync.Mutex
	sets map[string]map[string]time.Time
	ttl  time.Duration
}

func NewMemoryShareIndex(ttl time.Duration) *MemoryShareIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryShareIndex{
		sets: make(map[string]map[string]time.Time),
		ttl:  ttl,
	}
}

func (m *MemoryShareIndex) RecordIP(ctx context.Context, ip, workerID string) (int64, error) {
	return m.record("ip:"+ip, workerID), nil
}

func (m *MemoryShareIndex) RecordFingerprint(ctx context.Context, hash, workerID string) (int64, error) {
	return m.record("fp:"+hash, workerID), nil
}

func (m *MemoryShareIndex) record(key, workerID string) int64 {
	now := time.Now()
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]time.Time)
		m.sets[key] = set
	}
	set[workerID] = now
	for id, seen := range set {
		if seen.Before(cutoff) {
			delete(set, id)
		}
	}
	return int64(len(set))
}

var _ ShareIndex = (*MemoryShareIndex)(nil)
