// Package audit keeps a tamper-evident trail of the decisions the
// verification core makes: fraud flags, settled verifications, worker
// suspensions and auction outcomes. Entries form a hash chain, so any
// after-the-fact edit is detectable by replaying the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CATEGORIES
// ============================================================================

// Category classifies what kind of decision an entry records.
type Category string

const (
	CategoryFraud        Category = "FRAUD_DETECTION"
	CategoryVerification Category = "VERIFICATION"
	CategoryWorker       Category = "WORKER_STATUS"
	CategoryAuction      Category = "AUCTION"
	CategoryAdmin        Category = "ADMIN"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ============================================================================
// ENTRY
// ============================================================================

// Entry is one immutable record on the trail.
type Entry struct {
	ID           string                 `json:"id"`
	Category     Category               `json:"category"`
	Subject      string                 `json:"subject"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Hash         string                 `json:"hash"`
	PreviousHash string                 `json:"previous_hash"`
}

// ComputeHash hashes the canonical JSON form of the entry with the
// hash field blanked. encoding/json sorts map keys, so the form is
// stable across processes.
func (e *Entry) ComputeHash() string {
	clone := *e
	clone.Hash = ""
	data, _ := json.Marshal(clone)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether the entry still matches its recorded hash.
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.ComputeHash()
}

// ============================================================================
// TRAIL
// ============================================================================

// Store persists entries beyond the process. Persistence failures are
// logged and never block the chain.
type Store interface {
	SaveEntry(ctx context.Context, e *Entry) error
}

// Query filters trail entries.
type Query struct {
	Category Category
	Subject  string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Trail is the in-memory hash chain plus its subject index. A genesis
// entry anchors the chain so the first real entry already has a
// previous hash to link to.
type Trail struct {
	mu        sync.RWMutex
	entries   []*Entry
	lastHash  string
	bySubject map[string][]int // subject -> entry indices

	store  Store
	logger *log.Logger
}

// NewTrail creates a trail anchored on a genesis entry. store may be
// nil for a purely in-memory chain.
func NewTrail(store Store) *Trail {
	genesis := &Entry{
		ID:           "genesis",
		Category:     CategoryAdmin,
		Subject:      "genesis",
		Details:      map[string]interface{}{"genesis": true},
		Timestamp:    time.Now().UTC(),
		PreviousHash: genesisHash,
	}
	genesis.Hash = genesis.ComputeHash()

	return &Trail{
		entries:   []*Entry{genesis},
		lastHash:  genesis.Hash,
		bySubject: make(map[string][]int),
		store:     store,
		logger:    log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Record appends one entry to the chain. It never returns an error:
// the in-memory append cannot fail and persistence problems are only
// logged, so callers on the hot path are never blocked by audit.
func (t *Trail) Record(ctx context.Context, category, subject string, details map[string]interface{}) error {
	e := &Entry{
		ID:        uuid.NewString(),
		Category:  Category(category),
		Subject:   subject,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}

	t.mu.Lock()
	e.PreviousHash = t.lastHash
	e.Hash = e.ComputeHash()
	t.entries = append(t.entries, e)
	t.lastHash = e.Hash
	t.bySubject[subject] = append(t.bySubject[subject], len(t.entries)-1)
	store := t.store
	t.mu.Unlock()

	if store != nil {
		if err := store.SaveEntry(ctx, e); err != nil {
			t.logger.Printf("⚠️ audit entry %s not persisted: %v", e.ID, err)
		}
	}
	return nil
}

// Verify replays the whole chain. It returns true and -1 when intact,
// or false and the index of the first broken entry.
func (t *Trail) Verify() (bool, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, e := range t.entries {
		if !e.VerifyHash() {
			return false, i
		}
		if i > 0 && e.PreviousHash != t.entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

// BySubject returns the newest entries for one subject, newest first.
func (t *Trail) BySubject(subject string, limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	indices := t.bySubject[subject]
	if limit <= 0 || limit > len(indices) {
		limit = len(indices)
	}
	out := make([]Entry, 0, limit)
	for i := len(indices) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *t.entries[indices[i]])
	}
	return out
}

// Find returns entries matching the query in chain order. The genesis
// entry is never included.
func (t *Trail) Find(q Query) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	skipped := 0
	for i, e := range t.entries {
		if i == 0 {
			continue
		}
		if q.Category != "" && e.Category != q.Category {
			continue
		}
		if q.Subject != "" && e.Subject != q.Subject {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, *e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Len is the number of entries including genesis.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Stats exposes trail telemetry for the ops surface.
func (t *Trail) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int)
	for i, e := range t.entries {
		if i == 0 {
			continue
		}
		counts[string(e.Category)]++
	}
	return map[string]interface{}{
		"entries":     len(t.entries) - 1,
		"subjects":    len(t.bySubject),
		"by_category": counts,
		"last_hash":   t.lastHash,
	}
}
