package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Template identifies a worker-facing notification template.
type Template string

const (
	TemplateTaskAssignment      Template = "TASK_ASSIGNMENT"
	TemplateTaskExpiration      Template = "TASK_EXPIRATION"
	TemplateAuctionAnnouncement Template = "AUCTION_ANNOUNCEMENT"
	TemplateAuctionResult       Template = "AUCTION_RESULT"
	TemplatePaymentConfirmation Template = "PAYMENT_CONFIRMATION"
	TemplateStatusUpdate        Template = "STATUS_UPDATE"
	TemplateWorkloadWarning     Template = "WORKLOAD_WARNING"
	TemplatePerformanceAlert    Template = "PERFORMANCE_ALERT"
	TemplateOnboardingStarted   Template = "ONBOARDING_STARTED"
	TemplateOnboardingStep      Template = "ONBOARDING_STEP_COMPLETED"
	TemplateOnboardingComplete  Template = "ONBOARDING_COMPLETED"
)

// Notification is a rendered message addressed to a single worker.
type Notification struct {
	ID        string                 `json:"id"`
	Template  Template               `json:"template"`
	WorkerID  string                 `json:"worker_id"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notifier delivers notifications to workers. Delivery is best-effort:
// callers record failures but never fail their own operation on one.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}

// templateSpec carries per-template delivery policy and rendering.
type templateSpec struct {
	maxAttempts int // total delivery attempts, 1..3
	render      func(data map[string]interface{}) (title, body string)
}

// retryDelays is the platform backoff schedule. The delay before attempt
// k (k >= 2) is retryDelays[k-2], clamped to the last entry.
var retryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryDelays) {
		idx = len(retryDelays) - 1
	}
	return retryDelays[idx]
}

var templates = map[Template]templateSpec{
	TemplateTaskAssignment: {maxAttempts: 3, render: func(d map[string]interface{}) (string, string) {
		return "New task assigned",
			fmt.Sprintf("You have been assigned task %s (%s). Complete it before %s.",
				str(d, "task_id"), str(d, "task_type"), str(d, "expires_at"))
	}},
	TemplateTaskExpiration: {maxAttempts: 2, render: func(d map[string]interface{}) (string, string) {
		return "Task assignment expired",
			fmt.Sprintf("Your assignment for task %s expired without a submission.", str(d, "task_id"))
	}},
	TemplateAuctionAnnouncement: {maxAttempts: 2, render: func(d map[string]interface{}) (string, string) {
		return "Task auction open",
			fmt.Sprintf("An auction is open for task %s. Bids between %s and %s accepted until %s.",
				str(d, "task_id"), str(d, "min_bid"), str(d, "max_bid"), str(d, "ends_at"))
	}},
	TemplateAuctionResult: {maxAttempts: 3, render: func(d map[string]interface{}) (string, string) {
		return "Auction result",
			fmt.Sprintf("Auction %s closed. Result: %s.", str(d, "auction_id"), str(d, "outcome"))
	}},
	TemplatePaymentConfirmation: {maxAttempts: 3, render: func(d map[string]interface{}) (string, string) {
		return "Payment confirmed",
			fmt.Sprintf("Payment of %s for task %s has been confirmed.", str(d, "amount"), str(d, "task_id"))
	}},
	TemplateStatusUpdate: {maxAttempts: 2, render: func(d map[string]interface{}) (string, string) {
		return "Account status updated",
			fmt.Sprintf("Your account status is now %s. Reason: %s.", str(d, "status"), str(d, "reason"))
	}},
	TemplateWorkloadWarning: {maxAttempts: 2, render: func(d map[string]interface{}) (string, string) {
		return "Workload warning",
			fmt.Sprintf("You have %s active assignments. Complete pending work before accepting more.", str(d, "active_assignments"))
	}},
	TemplatePerformanceAlert: {maxAttempts: 3, render: func(d map[string]interface{}) (string, string) {
		return "Performance alert",
			fmt.Sprintf("Your recent %s accuracy dropped to %s. Review the task guidelines.",
				str(d, "task_type"), str(d, "accuracy"))
	}},
	TemplateOnboardingStarted: {maxAttempts: 1, render: func(d map[string]interface{}) (string, string) {
		return "Welcome aboard", "Your onboarding has started. Complete the qualification tasks to unlock assignments."
	}},
	TemplateOnboardingStep: {maxAttempts: 1, render: func(d map[string]interface{}) (string, string) {
		return "Onboarding step completed",
			fmt.Sprintf("Step %s completed. Keep going!", str(d, "step"))
	}},
	TemplateOnboardingComplete: {maxAttempts: 1, render: func(d map[string]interface{}) (string, string) {
		return "Onboarding completed", "You are all set. Task assignments are now open to you."
	}},
}

// MaxAttempts returns the delivery attempt budget for a template.
// Unknown templates get a single attempt.
func MaxAttempts(t Template) int {
	if spec, ok := templates[t]; ok {
		return spec.maxAttempts
	}
	return 1
}

// Build renders a notification from a template and its parameters.
func Build(t Template, workerID string, data map[string]interface{}) *Notification {
	n := &Notification{
		ID:        uuid.New().String(),
		Template:  t,
		WorkerID:  workerID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if spec, ok := templates[t]; ok {
		n.Title, n.Body = spec.render(data)
	} else {
		n.Title = string(t)
	}
	return n
}

func str(data map[string]interface{}, key string) string {
	if data == nil {
		return "?"
	}
	v, ok := data[key]
	if !ok {
		return "?"
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		return fmt.Sprintf("%g", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
