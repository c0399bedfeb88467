package workerstore

import "sync"

// lockTable hands out one mutex per worker id so concurrent
// read-modify-write cycles on the same profile are serialized while
// unrelated workers proceed in parallel. Mutexes are never discarded;
// the table is bounded by the worker population.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// acquire blocks until the per-key mutex is held and returns its
// release function.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
