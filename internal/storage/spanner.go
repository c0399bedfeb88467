package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/verihive/backend/internal/core"
)

// SpannerJournal persists the worker activity log and the reputation
// audit trail in Cloud Spanner. Activity appends are keyed on
// (WorkerID, Timestamp, TaskID) so redelivered appends are idempotent.
type SpannerJournal struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerJournal connects to the given database path
// (projects/<p>/instances/<i>/databases/<d>).
func NewSpannerJournal(database string) (*SpannerJournal, error) {
	ctx := context.Background()

	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	j := &SpannerJournal{
		client: client,
		logger: log.New(log.Writer(), "[SpannerJournal] ", log.LstdFlags),
	}
	j.logger.Printf("✅ Connected to Spanner database %s", database)
	return j, nil
}

// ============================================================================
// ActivityLogStore
// ============================================================================

// AppendActivity writes one activity row. InsertOrUpdate on the primary
// key makes redelivery a no-op.
func (j *SpannerJournal) AppendActivity(ctx context.Context, a core.WorkerActivity) error {
	_, err := j.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("WorkerActivities",
			[]string{"WorkerID", "Timestamp", "TaskID", "TaskType", "Decision", "ProcessingTimeMs", "CreatedAt"},
			[]interface{}{a.WorkerID, a.Timestamp, a.TaskID, string(a.TaskType), string(a.Decision), a.ProcessingTimeMs, spanner.CommitTimestamp},
		),
	})
	if err != nil {
		return storageErr(fmt.Sprintf("append activity for %s", a.WorkerID), err)
	}
	return nil
}

// RecentActivities returns the worker's activity rows since the given
// instant, ascending by timestamp. Stale reads are acceptable here: the
// in-memory index is the hot path, this is the durable mirror.
func (j *SpannerJournal) RecentActivities(ctx context.Context, workerID string, since time.Time) ([]core.WorkerActivity, error) {
	roTx := j.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	stmt := spanner.Statement{
		SQL: `SELECT WorkerID, Timestamp, TaskID, TaskType, Decision, ProcessingTimeMs
		      FROM WorkerActivities
		      WHERE WorkerID = @workerID AND Timestamp >= @since
		      ORDER BY Timestamp ASC`,
		Params: map[string]interface{}{
			"workerID": workerID,
			"since":    since,
		},
	}

	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()

	var out []core.WorkerActivity
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storageErr(fmt.Sprintf("query activities for %s", workerID), err)
		}

		var (
			a        core.WorkerActivity
			taskType string
			decision string
		)
		if err := row.Columns(&a.WorkerID, &a.Timestamp, &a.TaskID, &taskType, &decision, &a.ProcessingTimeMs); err != nil {
			return nil, fmt.Errorf("decode activity row: %w", err)
		}
		a.TaskType = core.TaskType(taskType)
		a.Decision = core.Decision(decision)
		out = append(out, a)
	}

	return out, nil
}

// ============================================================================
// ReputationAuditStore
// ============================================================================

// InsertReputationAudit journals one reputation mutation.
func (j *SpannerJournal) InsertReputationAudit(ctx context.Context, a ReputationAudit) error {
	_, err := j.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("ReputationAudit",
			[]string{"WorkerID", "AuditID", "TaskID", "ScoreDelta", "PointsAfter", "Reason", "CreatedAt"},
			[]interface{}{a.WorkerID, a.AuditID, a.TaskID, a.ScoreDelta, a.PointsAfter, a.Reason, spanner.CommitTimestamp},
		),
	})
	if err != nil {
		return storageErr(fmt.Sprintf("insert reputation audit for %s", a.WorkerID), err)
	}
	return nil
}

// AuditHistory returns the newest audit rows for a worker.
func (j *SpannerJournal) AuditHistory(ctx context.Context, workerID string, limit int) ([]ReputationAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	stmt := spanner.Statement{
		SQL: `SELECT WorkerID, AuditID, TaskID, ScoreDelta, PointsAfter, Reason, CreatedAt
		      FROM ReputationAudit
		      WHERE WorkerID = @workerID
		      ORDER BY CreatedAt DESC
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"workerID": workerID,
			"limit":    int64(limit),
		},
	}

	iter := j.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []ReputationAudit
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, storageErr(fmt.Sprintf("query audit history for %s", workerID), err)
		}

		var a ReputationAudit
		if err := row.Columns(&a.WorkerID, &a.AuditID, &a.TaskID, &a.ScoreDelta, &a.PointsAfter, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("decode audit row: %w", err)
		}
		out = append(out, a)
	}

	return out, nil
}

// Close closes the Spanner client.
func (j *SpannerJournal) Close() error {
	j.client.Close()
	return nil
}

// interface guards
var (
	_ ActivityLogStore     = (*SpannerJournal)(nil)
	_ ReputationAuditStore = (*SpannerJournal)(nil)
)
