package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudNotifier enqueues notification deliveries on Google Cloud Tasks
// for durable, at-least-once delivery. The queue handles retry backoff
// and dead-lettering; the per-template attempt budget is configured at
// queue level in production.
//
// Falls back to the in-memory Dispatcher when the enqueue fails.
type CloudNotifier struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudNotifier connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. targetURL is the notification gateway
// the queue posts to. fallback may be nil.
func NewCloudNotifier(projectID, locationID, queueID, targetURL string, fallback *Dispatcher) (*CloudNotifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cn := &CloudNotifier{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
		fallback:  fallback,
	}

	cn.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cn.queuePath)
	return cn, nil
}

// Send enqueues one Cloud Task carrying the notification payload.
// The enqueue runs off the hot path; errors divert to the fallback.
func (cn *CloudNotifier) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cn.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        cn.targetURL,
					Headers: map[string]string{
						"Content-Type":               "application/json",
						"X-Verihive-Template":        string(n.Template),
						"X-Verihive-Notification-ID": n.ID,
					},
					Body: payload,
				},
			},
		},
	}

	go func() {
		enqueueCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cn.client.CreateTask(enqueueCtx, req)
		if err != nil {
			cn.logger.Printf("❌ Cloud Task enqueue failed: %s → worker %s: %v", n.Template, n.WorkerID, err)
			if cn.fallback != nil {
				cn.logger.Printf("↩️  Falling back to in-memory delivery for %s", n.ID)
				_ = cn.fallback.Send(context.Background(), n)
			}
			return
		}
		cn.logger.Printf("📤 Enqueued notification task: %s → worker %s (task=%s)", n.Template, n.WorkerID, task.GetName())
	}()

	return nil
}

// Shutdown closes the Cloud Tasks client and the fallback pool.
func (cn *CloudNotifier) Shutdown() {
	if cn.fallback != nil {
		cn.fallback.Shutdown()
	}
	if err := cn.client.Close(); err != nil {
		cn.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cn.logger.Printf("🔌 Cloud Tasks notifier closed")
}

// Stats returns basic telemetry about the notifier.
func (cn *CloudNotifier) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cn.queuePath,
		"target":       cn.targetURL,
		"has_fallback": cn.fallback != nil,
	}
}

var _ Notifier = (*CloudNotifier)(nil)
