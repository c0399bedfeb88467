package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/verihive/backend/internal/core"
)

// Entry is one appended ledger row: how many points a worker earned, why,
// and where the running total stood afterwards.
type Entry struct {
	ID          string           `json:"id"`
	WorkerID    string           `json:"worker_id"`
	TaskID      string           `json:"task_id,omitempty"`
	Delta       float64          `json:"delta"`
	PointsAfter float64          `json:"points_after"`
	Level       core.WorkerLevel `json:"level"`
	Reason      string           `json:"reason"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Ledger records every points mutation. Append must never reorder entries
// for one worker; History returns newest first.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	History(ctx context.Context, workerID string, limit int) ([]Entry, error)
	Total(ctx context.Context, workerID string) (float64, error)
	Close() error
}

// ============================================================================
// POSTGRES LEDGER
// ============================================================================

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS reputation_ledger (
	id           TEXT PRIMARY KEY,
	worker_id    TEXT NOT NULL,
	task_id      TEXT,
	delta        DOUBLE PRECISION NOT NULL,
	points_after DOUBLE PRECISION NOT NULL,
	level        TEXT NOT NULL,
	reason       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reputation_ledger_worker
	ON reputation_ledger (worker_id, created_at DESC);
`

// PostgresLedger keeps the points ledger in PostgreSQL.
type PostgresLedger struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresLedger connects, verifies the connection, and ensures the
// ledger table exists.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres ledger: empty DSN")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres ledger: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}

	l := &PostgresLedger{
		db:     db,
		logger: log.New(log.Writer(), "[REP-LEDGER] ", log.LstdFlags),
	}
	l.logger.Printf("🔌 postgres ledger connected")
	return l, nil
}

func (l *PostgresLedger) Append(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO reputation_ledger
			(id, worker_id, task_id, delta, points_after, level, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WorkerID, e.TaskID, e.Delta, e.PointsAfter, string(e.Level), e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: append ledger entry for %s: %v", core.ErrStorageUnavailable, e.WorkerID, err)
	}
	return nil
}

func (l *PostgresLedger) History(ctx context.Context, workerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, worker_id, task_id, delta, points_after, level, reason, created_at
		 FROM reputation_ledger
		 WHERE worker_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: ledger history for %s: %v", core.ErrStorageUnavailable, workerID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var taskID sql.NullString
		var level string
		if err := rows.Scan(&e.ID, &e.WorkerID, &taskID, &e.Delta, &e.PointsAfter, &level, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("decode ledger row: %w", err)
		}
		e.TaskID = taskID.String
		e.Level = core.WorkerLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Total(ctx context.Context, workerID string) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM reputation_ledger WHERE worker_id = $1`,
		workerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: ledger total for %s: %v", core.ErrStorageUnavailable, workerID, err)
	}
	return total, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// ============================================================================
// MEMORY LEDGER
// ============================================================================

// defaultMemoryLedgerCap bounds the per-worker window the fallback keeps.
const defaultMemoryLedgerCap = 500

// MemoryLedger is the in-process fallback used when no DSN is configured.
// It keeps a bounded per-worker window, newest last.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	cap     int
}

func NewMemoryLedger(capPerWorker int) *MemoryLedger {
	if capPerWorker <= 0 {
		capPerWorker = defaultMemoryLedgerCap
	}
	return &MemoryLedger{
		entries: make(map[string][]Entry),
		cap:     capPerWorker,
	}
}

func (l *MemoryLedger) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := append(l.entries[e.WorkerID], e)
	if len(window) > l.cap {
		window = window[len(window)-l.cap:]
	}
	l.entries[e.WorkerID] = window
	return nil
}

func (l *MemoryLedger) History(_ context.Context, workerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	window := l.entries[workerID]
	if len(window) < limit {
		limit = len(window)
	}
	out := make([]Entry, 0, limit)
	for i := len(window) - 1; i >= len(window)-limit; i-- {
		out = append(out, window[i])
	}
	return out, nil
}

func (l *MemoryLedger) Total(_ context.Context, workerID string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, e := range l.entries[workerID] {
		total += e.Delta
	}
	return total, nil
}

func (l *MemoryLedger) Close() error { return nil }

var (
	_ Ledger = (*PostgresLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
