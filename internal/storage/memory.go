package storage

import (
	"context"
	"sync"

	"github.com/verihive/backend/internal/core"
)

// MemoryStore is the in-process implementation of every record store.
// It backs tests and the local fallback when Supabase is not configured.
type MemoryStore struct {
	mu          sync.RWMutex
	workers     map[string]*core.WorkerProfile
	tasks       map[string]*core.VerificationTask
	submissions map[string][]core.WorkerSubmission // taskID → submissions
	results     map[string]*core.VerificationResult
	auctions    map[string]*core.Auction
	deadLetters []DeadLetter
	repAudits   map[string][]ReputationAudit // workerID → journal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:     make(map[string]*core.WorkerProfile),
		tasks:       make(map[string]*core.VerificationTask),
		submissions: make(map[string][]core.WorkerSubmission),
		results:     make(map[string]*core.VerificationResult),
		auctions:    make(map[string]*core.Auction),
		repAudits:   make(map[string][]ReputationAudit),
	}
}

// ============================================================================
// WorkerRecordStore
// ============================================================================

func (m *MemoryStore) GetWorker(ctx context.Context, id string) (*core.WorkerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, nil
	}
	return w.Clone(), nil
}

func (m *MemoryStore) CreateWorker(ctx context.Context, w *core.WorkerProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) UpdateWorker(ctx context.Context, w *core.WorkerProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return core.ErrWorkerNotFound
	}
	m.workers[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) ListWorkersByStatus(ctx context.Context, status core.WorkerStatus, limit int) ([]core.WorkerProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.WorkerProfile
	for _, w := range m.workers {
		if w.Status != status {
			continue
		}
		out = append(out, *w.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ============================================================================
// TaskRecordStore
// ============================================================================

func (m *MemoryStore) CreateTask(ctx context.Context, t *core.VerificationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*core.VerificationTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *core.VerificationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return core.ErrTaskNotFound
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListTasksByStatus(ctx context.Context, status core.TaskStatus, limit int) ([]core.VerificationTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.VerificationTask
	for _, t := range m.tasks {
		if t.Status != status {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ============================================================================
// SubmissionStore
// ============================================================================

func (m *MemoryStore) SaveSubmission(ctx context.Context, s *core.WorkerSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[s.TaskID] = append(m.submissions[s.TaskID], *s)
	return nil
}

func (m *MemoryStore) ListSubmissions(ctx context.Context, taskID string) ([]core.WorkerSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.WorkerSubmission(nil), m.submissions[taskID]...), nil
}

// ============================================================================
// ResultStore
// ============================================================================

func (m *MemoryStore) SaveResult(ctx context.Context, r *core.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.results[r.TaskID] = &cp
	return nil
}

func (m *MemoryStore) GetResult(ctx context.Context, taskID string) (*core.VerificationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// ============================================================================
// AuctionStore
// ============================================================================

func (m *MemoryStore) SaveAuction(ctx context.Context, a *core.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) GetAuction(ctx context.Context, id string) (*core.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListOpenAuctions(ctx context.Context) ([]core.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Auction
	for _, a := range m.auctions {
		if a.Status == core.AuctionOpen {
			out = append(out, *a.Clone())
		}
	}
	return out, nil
}

// ============================================================================
// DeadLetterStore
// ============================================================================

func (m *MemoryStore) SaveDeadLetter(ctx context.Context, d *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, *d)
	return nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]DeadLetter(nil), m.deadLetters...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ============================================================================
// ReputationAuditStore
// ============================================================================

func (m *MemoryStore) InsertReputationAudit(ctx context.Context, a ReputationAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repAudits[a.WorkerID] = append(m.repAudits[a.WorkerID], a)
	return nil
}

func (m *MemoryStore) AuditHistory(ctx context.Context, workerID string, limit int) ([]ReputationAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]ReputationAudit(nil), m.repAudits[workerID]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// interface guards
var (
	_ WorkerRecordStore    = (*MemoryStore)(nil)
	_ TaskRecordStore      = (*MemoryStore)(nil)
	_ SubmissionStore      = (*MemoryStore)(nil)
	_ ResultStore          = (*MemoryStore)(nil)
	_ AuctionStore         = (*MemoryStore)(nil)
	_ DeadLetterStore      = (*MemoryStore)(nil)
	_ ReputationAuditStore = (*MemoryStore)(nil)
)
