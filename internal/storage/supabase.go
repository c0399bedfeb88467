package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/verihive/backend/internal/core"
)

// ============================================================================
// SUPABASE STORE — durable records for workers, tasks, submissions,
// results, auctions and dead letters
// ============================================================================
//
// Each table carries the entity id plus the secondary columns we filter on
// (status, task type, timestamps); the entity itself is stored as an
// opaque JSON record. The core never depends on vendor column shapes.

// SupabaseStore wraps the Supabase Go client.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a Supabase-backed record store.
func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and key must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseStore{client: client}, nil
}

// storageErr tags infrastructure faults so callers can branch on
// core.ErrStorageUnavailable while keeping the cause text.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStorageUnavailable, op, err)
}

// ============================================================================
// ROW SHAPES
// ============================================================================

type workerRow struct {
	WorkerID  string          `json:"worker_id"`
	Status    string          `json:"status"`
	Record    json.RawMessage `json:"record"`
	UpdatedAt string          `json:"updated_at"` // string to match Supabase timestamp format
}

type taskRow struct {
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	TaskType  string          `json:"task_type"`
	Record    json.RawMessage `json:"record"`
	UpdatedAt string          `json:"updated_at"`
}

type submissionRow struct {
	SubmissionID string          `json:"submission_id"`
	TaskID       string          `json:"task_id"`
	WorkerID     string          `json:"worker_id"`
	Record       json.RawMessage `json:"record"`
	CreatedAt    string          `json:"created_at"`
}

type resultRow struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Record      json.RawMessage `json:"record"`
	ProcessedAt string          `json:"processed_at"`
}

type auctionRow struct {
	AuctionID string          `json:"auction_id"`
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Record    json.RawMessage `json:"record"`
	EndTime   string          `json:"end_time"`
}

type deadLetterRow struct {
	ID       string          `json:"id"`
	Reason   string          `json:"reason"`
	Record   json.RawMessage `json:"record"`
	FailedAt string          `json:"failed_at"`
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ============================================================================
// WorkerRecordStore
// ============================================================================

func (s *SupabaseStore) GetWorker(ctx context.Context, id string) (*core.WorkerProfile, error) {
	var rows []workerRow
	_, err := s.client.From("worker_profiles").
		Select("*", "", false).
		Eq("worker_id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get worker %s", id), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var w core.WorkerProfile
	if err := json.Unmarshal(rows[0].Record, &w); err != nil {
		return nil, fmt.Errorf("decode worker record %s: %w", id, err)
	}
	return &w, nil
}

func (s *SupabaseStore) CreateWorker(ctx context.Context, w *core.WorkerProfile) error {
	row, err := workerRowFor(w)
	if err != nil {
		return err
	}
	var result []workerRow
	_, err = s.client.From("worker_profiles").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("create worker %s", w.ID), err)
	}
	return nil
}

func (s *SupabaseStore) UpdateWorker(ctx context.Context, w *core.WorkerProfile) error {
	row, err := workerRowFor(w)
	if err != nil {
		return err
	}
	var result []workerRow
	_, err = s.client.From("worker_profiles").
		Update(row, "", "").
		Eq("worker_id", w.ID).
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("update worker %s", w.ID), err)
	}
	return nil
}

func (s *SupabaseStore) ListWorkersByStatus(ctx context.Context, status core.WorkerStatus, limit int) ([]core.WorkerProfile, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []workerRow
	_, err := s.client.From("worker_profiles").
		Select("*", "", false).
		Eq("status", string(status)).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr("list workers", err)
	}

	out := make([]core.WorkerProfile, 0, len(rows))
	for _, r := range rows {
		var w core.WorkerProfile
		if err := json.Unmarshal(r.Record, &w); err != nil {
			continue // skip unreadable rows rather than failing the listing
		}
		out = append(out, w)
	}
	return out, nil
}

func workerRowFor(w *core.WorkerProfile) (*workerRow, error) {
	record, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode worker %s: %w", w.ID, err)
	}
	return &workerRow{
		WorkerID:  w.ID,
		Status:    string(w.Status),
		Record:    record,
		UpdatedAt: ts(w.UpdatedAt),
	}, nil
}

// ============================================================================
// TaskRecordStore
// ============================================================================

func (s *SupabaseStore) CreateTask(ctx context.Context, t *core.VerificationTask) error {
	row, err := taskRowFor(t)
	if err != nil {
		return err
	}
	var result []taskRow
	_, err = s.client.From("verification_tasks").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("create task %s", t.ID), err)
	}
	return nil
}

func (s *SupabaseStore) GetTask(ctx context.Context, id string) (*core.VerificationTask, error) {
	var rows []taskRow
	_, err := s.client.From("verification_tasks").
		Select("*", "", false).
		Eq("task_id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get task %s", id), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var t core.VerificationTask
	if err := json.Unmarshal(rows[0].Record, &t); err != nil {
		return nil, fmt.Errorf("decode task record %s: %w", id, err)
	}
	return &t, nil
}

func (s *SupabaseStore) UpdateTask(ctx context.Context, t *core.VerificationTask) error {
	row, err := taskRowFor(t)
	if err != nil {
		return err
	}
	var result []taskRow
	_, err = s.client.From("verification_tasks").
		Update(row, "", "").
		Eq("task_id", t.ID).
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("update task %s", t.ID), err)
	}
	return nil
}

func (s *SupabaseStore) ListTasksByStatus(ctx context.Context, status core.TaskStatus, limit int) ([]core.VerificationTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []taskRow
	_, err := s.client.From("verification_tasks").
		Select("*", "", false).
		Eq("status", string(status)).
		Order("updated_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}

	out := make([]core.VerificationTask, 0, len(rows))
	for _, r := range rows {
		var t core.VerificationTask
		if err := json.Unmarshal(r.Record, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func taskRowFor(t *core.VerificationTask) (*taskRow, error) {
	record, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return &taskRow{
		TaskID:    t.ID,
		Status:    string(t.Status),
		TaskType:  string(t.Type),
		Record:    record,
		UpdatedAt: ts(t.UpdatedAt),
	}, nil
}

// ============================================================================
// SubmissionStore
// ============================================================================

func (s *SupabaseStore) SaveSubmission(ctx context.Context, sub *core.WorkerSubmission) error {
	record, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission %s: %w", sub.ID, err)
	}
	row := &submissionRow{
		SubmissionID: sub.ID,
		TaskID:       sub.TaskID,
		WorkerID:     sub.WorkerID,
		Record:       record,
		CreatedAt:    ts(sub.CompletedAt),
	}
	var result []submissionRow
	_, err = s.client.From("submissions").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("save submission %s", sub.ID), err)
	}
	return nil
}

func (s *SupabaseStore) ListSubmissions(ctx context.Context, taskID string) ([]core.WorkerSubmission, error) {
	var rows []submissionRow
	_, err := s.client.From("submissions").
		Select("*", "", false).
		Eq("task_id", taskID).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("list submissions for %s", taskID), err)
	}

	out := make([]core.WorkerSubmission, 0, len(rows))
	for _, r := range rows {
		var sub core.WorkerSubmission
		if err := json.Unmarshal(r.Record, &sub); err != nil {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// ============================================================================
// ResultStore
// ============================================================================

func (s *SupabaseStore) SaveResult(ctx context.Context, r *core.VerificationResult) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", r.TaskID, err)
	}
	row := &resultRow{
		TaskID:      r.TaskID,
		Status:      string(r.Status),
		Record:      record,
		ProcessedAt: ts(r.ProcessedAt),
	}
	var result []resultRow
	_, err = s.client.From("verification_results").
		Upsert(row, "task_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("save result %s", r.TaskID), err)
	}
	return nil
}

func (s *SupabaseStore) GetResult(ctx context.Context, taskID string) (*core.VerificationResult, error) {
	var rows []resultRow
	_, err := s.client.From("verification_results").
		Select("*", "", false).
		Eq("task_id", taskID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get result %s", taskID), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var r core.VerificationResult
	if err := json.Unmarshal(rows[0].Record, &r); err != nil {
		return nil, fmt.Errorf("decode result record %s: %w", taskID, err)
	}
	return &r, nil
}

// ============================================================================
// AuctionStore
// ============================================================================

func (s *SupabaseStore) SaveAuction(ctx context.Context, a *core.Auction) error {
	record, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode auction %s: %w", a.ID, err)
	}
	row := &auctionRow{
		AuctionID: a.ID,
		TaskID:    a.TaskID,
		Status:    string(a.Status),
		Record:    record,
		EndTime:   ts(a.EndTime),
	}
	var result []auctionRow
	_, err = s.client.From("auctions").
		Upsert(row, "auction_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("save auction %s", a.ID), err)
	}
	return nil
}

func (s *SupabaseStore) GetAuction(ctx context.Context, id string) (*core.Auction, error) {
	var rows []auctionRow
	_, err := s.client.From("auctions").
		Select("*", "", false).
		Eq("auction_id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("get auction %s", id), err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var a core.Auction
	if err := json.Unmarshal(rows[0].Record, &a); err != nil {
		return nil, fmt.Errorf("decode auction record %s: %w", id, err)
	}
	return &a, nil
}

func (s *SupabaseStore) ListOpenAuctions(ctx context.Context) ([]core.Auction, error) {
	var rows []auctionRow
	_, err := s.client.From("auctions").
		Select("*", "", false).
		Eq("status", string(core.AuctionOpen)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr("list open auctions", err)
	}

	out := make([]core.Auction, 0, len(rows))
	for _, r := range rows {
		var a core.Auction
		if err := json.Unmarshal(r.Record, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ============================================================================
// DeadLetterStore
// ============================================================================

func (s *SupabaseStore) SaveDeadLetter(ctx context.Context, d *DeadLetter) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", d.ID, err)
	}
	row := &deadLetterRow{
		ID:       d.ID,
		Reason:   d.Reason,
		Record:   record,
		FailedAt: ts(d.FailedAt),
	}
	var result []deadLetterRow
	_, err = s.client.From("dead_letters").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return storageErr(fmt.Sprintf("save dead letter %s", d.ID), err)
	}
	return nil
}

func (s *SupabaseStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []deadLetterRow
	_, err := s.client.From("dead_letters").
		Select("*", "", false).
		Order("failed_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}

	out := make([]DeadLetter, 0, len(rows))
	for _, r := range rows {
		var d DeadLetter
		if err := json.Unmarshal(r.Record, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// interface guards
var (
	_ WorkerRecordStore = (*SupabaseStore)(nil)
	_ TaskRecordStore   = (*SupabaseStore)(nil)
	_ SubmissionStore   = (*SupabaseStore)(nil)
	_ ResultStore       = (*SupabaseStore)(nil)
	_ AuctionStore      = (*SupabaseStore)(nil)
	_ DeadLetterStore   = (*SupabaseStore)(nil)
)
