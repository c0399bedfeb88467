// Package storage declares the durable store contracts the verification
// core depends on, plus concrete adapters (Supabase for records, Spanner
// for the activity/audit journal, in-memory for tests and fallback).
//
// Adapters return (nil, nil) for point reads that find nothing; callers
// map that onto their domain not-found errors. Infrastructure faults are
// wrapped so errors.Is(err, core.ErrStorageUnavailable) holds.
package storage

import (
	"context"
	"time"

	"github.com/verihive/backend/internal/core"
)

// WorkerRecordStore persists worker profiles.
type WorkerRecordStore interface {
	GetWorker(ctx context.Context, id string) (*core.WorkerProfile, error)
	CreateWorker(ctx context.Context, w *core.WorkerProfile) error
	UpdateWorker(ctx context.Context, w *core.WorkerProfile) error
	ListWorkersByStatus(ctx context.Context, status core.WorkerStatus, limit int) ([]core.WorkerProfile, error)
}

// TaskRecordStore persists verification tasks.
type TaskRecordStore interface {
	CreateTask(ctx context.Context, t *core.VerificationTask) error
	GetTask(ctx context.Context, id string) (*core.VerificationTask, error)
	UpdateTask(ctx context.Context, t *core.VerificationTask) error
	ListTasksByStatus(ctx context.Context, status core.TaskStatus, limit int) ([]core.VerificationTask, error)
}

// SubmissionStore persists accepted submissions per task.
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, s *core.WorkerSubmission) error
	ListSubmissions(ctx context.Context, taskID string) ([]core.WorkerSubmission, error)
}

// ResultStore persists consensus outcomes.
type ResultStore interface {
	SaveResult(ctx context.Context, r *core.VerificationResult) error
	GetResult(ctx context.Context, taskID string) (*core.VerificationResult, error)
}

// AuctionStore persists auction state so deadline closes survive restarts.
type AuctionStore interface {
	SaveAuction(ctx context.Context, a *core.Auction) error // upsert by id
	GetAuction(ctx context.Context, id string) (*core.Auction, error)
	ListOpenAuctions(ctx context.Context) ([]core.Auction, error)
}

// DeadLetter is a submission the pipeline gave up on after retry
// exhaustion.
type DeadLetter struct {
	ID         string                `json:"id"`
	Submission core.WorkerSubmission `json:"submission"`
	Reason     string                `json:"reason"`
	Attempts   int                   `json:"attempts"`
	FailedAt   time.Time             `json:"failed_at"`
}

// DeadLetterStore keeps failed submissions for operator replay.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, d *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// ActivityLogStore is the durable mirror of the in-memory activity index.
type ActivityLogStore interface {
	AppendActivity(ctx context.Context, a core.WorkerActivity) error
	RecentActivities(ctx context.Context, workerID string, since time.Time) ([]core.WorkerActivity, error)
}

// ReputationAudit is one journal row per reputation mutation.
type ReputationAudit struct {
	AuditID     string    `json:"audit_id"`
	WorkerID    string    `json:"worker_id"`
	TaskID      string    `json:"task_id,omitempty"`
	ScoreDelta  float64   `json:"score_delta"`
	PointsAfter float64   `json:"points_after"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReputationAuditStore journals every reputation change.
type ReputationAuditStore interface {
	InsertReputationAudit(ctx context.Context, a ReputationAudit) error
	AuditHistory(ctx context.Context, workerID string, limit int) ([]ReputationAudit, error)
}
