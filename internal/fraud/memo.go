package fraud

import (
	"sync"
	"time"

	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
)

// memoCache caches full detection results per (worker, task) pair so
// repeated checks inside the memo window are free. Entries die on TTL
// expiry or when the worker's reputation changes, since stale history
// would then misprice the behavior signals.
type memoCache struct {
	mu       sync.RWMutex
	byWorker map[string]map[string]memoEntry
	ttl      time.Duration
	stopCh   chan struct{}
	stopped  sync.Once
}

type memoEntry struct {
	result    *core.FraudDetectionResult
	expiresAt time.Time
}

func newMemoCache(ttl time.Duration) *memoCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	m := &memoCache{
		byWorker: make(map[string]map[string]memoEntry),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *memoCache) get(workerID, taskID string) (*core.FraudDetectionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byWorker[workerID][taskID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.result, true
}

func (m *memoCache) put(workerID, taskID string, result *core.FraudDetectionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, ok := m.byWorker[workerID]
	if !ok {
		tasks = make(map[string]memoEntry)
		m.byWorker[workerID] = tasks
	}
	tasks[taskID] = memoEntry{result: result, expiresAt: time.Now().Add(m.ttl)}
}

func (m *memoCache) invalidateWorker(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byWorker, workerID)
}

// subscribe wires reputation change events into invalidation. Returns
// the unsubscribe func; calling it closes the channel and stops the
// drain goroutine.
func (m *memoCache) subscribe(bus *events.EventBus) func() {
	if bus == nil {
		return func() {}
	}
	ch := bus.Subscribe(events.ReputationUpdated)
	go func() {
		for evt := range ch {
			if evt != nil && evt.Subject != "" {
				m.invalidateWorker(evt.Subject)
			}
		}
	}()
	return func() { bus.Unsubscribe(ch) }
}

func (m *memoCache) janitor() {
	interval := m.ttl
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoCache) sweep() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for workerID, tasks := range m.byWorker {
		for taskID, entry := range tasks {
			if now.After(entry.expiresAt) {
				delete(tasks, taskID)
			}
		}
		if len(tasks) == 0 {
			delete(m.byWorker, workerID)
		}
	}
}

func (m *memoCache) stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}

func (m *memoCache) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for _, tasks := range m.byWorker {
		n += len(tasks)
	}
	return n
}
