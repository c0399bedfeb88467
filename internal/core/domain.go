package core

import "time"

// ============================================================================
// TASKS
// ============================================================================

// TaskType identifies one of the supported verification task families.
type TaskType string

const (
	TaskTextClassification  TaskType = "TEXT_CLASSIFICATION"
	TaskImageClassification TaskType = "IMAGE_CLASSIFICATION"
	TaskSentimentAnalysis   TaskType = "SENTIMENT_ANALYSIS"
	TaskEntityRecognition   TaskType = "ENTITY_RECOGNITION"
	TaskContentModeration   TaskType = "CONTENT_MODERATION"
	TaskTranscriptionReview TaskType = "TRANSCRIPTION_REVIEW"
	TaskTranslationQuality  TaskType = "TRANSLATION_QUALITY"
	TaskDataLabeling        TaskType = "DATA_LABELING"
	TaskDocumentReview      TaskType = "DOCUMENT_REVIEW"
	TaskSpamDetection       TaskType = "SPAM_DETECTION"
)

// AllTaskTypes lists every supported task type.
var AllTaskTypes = []TaskType{
	TaskTextClassification,
	TaskImageClassification,
	TaskSentimentAnalysis,
	TaskEntityRecognition,
	TaskContentModeration,
	TaskTranscriptionReview,
	TaskTranslationQuality,
	TaskDataLabeling,
	TaskDocumentReview,
	TaskSpamDetection,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range AllTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// complexityWeights ranks how demanding each task type is relative to
// the rest of the catalog. Reputation rewards and auction ceilings both
// scale with it.
var complexityWeights = map[TaskType]float64{
	TaskTextClassification:  0.30,
	TaskImageClassification: 0.40,
	TaskSentimentAnalysis:   0.35,
	TaskEntityRecognition:   0.70,
	TaskContentModeration:   0.60,
	TaskTranscriptionReview: 0.55,
	TaskTranslationQuality:  0.65,
	TaskDataLabeling:        0.30,
	TaskDocumentReview:      0.50,
	TaskSpamDetection:       0.25,
}

// DefaultComplexity is assumed for task types missing from the table.
const DefaultComplexity = 0.5

// ComplexityFor returns the demand weight for a task type on [0,1].
func ComplexityFor(t TaskType) float64 {
	if w, ok := complexityWeights[t]; ok {
		return w
	}
	return DefaultComplexity
}

// TaskPriority orders tasks for distribution and auction windows.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MEDIUM"
	PriorityHigh   TaskPriority = "HIGH"
)

func (p TaskPriority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// TaskStatus is the lifecycle state of a verification task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "PENDING"
	TaskAssigned    TaskStatus = "ASSIGNED"
	TaskInProgress  TaskStatus = "IN_PROGRESS"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskNeedsReview TaskStatus = "NEEDS_REVIEW"
	TaskFailed      TaskStatus = "FAILED"
	TaskExpired     TaskStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskNeedsReview, TaskFailed, TaskExpired:
		return true
	}
	return false
}

// taskTransitions encodes the forward-only task state machine.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskInProgress, TaskFailed, TaskExpired},
	TaskAssigned:   {TaskInProgress, TaskFailed, TaskExpired},
	TaskInProgress: {TaskCompleted, TaskNeedsReview, TaskFailed, TaskExpired},
}

// CanTransition reports whether s→to is a legal task transition. Tasks
// never move backward.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ConsensusStrategy selects the rule for fusing submissions into one result.
type ConsensusStrategy string

const (
	ConsensusMajority  ConsensusStrategy = "MAJORITY"
	ConsensusWeighted  ConsensusStrategy = "WEIGHTED"
	ConsensusUnanimous ConsensusStrategy = "UNANIMOUS"
)

func (c ConsensusStrategy) Valid() bool {
	return c == ConsensusMajority || c == ConsensusWeighted || c == ConsensusUnanimous
}

// TaskRequirements gates which workers may submit for a task.
type TaskRequirements struct {
	MinSubmissions int         `json:"min_submissions"`
	WorkerLevel    WorkerLevel `json:"worker_level"`
	MinReputation  float64     `json:"min_reputation"` // 0-1 scale
}

// VerificationTask is a unit of work distributed to workers for validation.
type VerificationTask struct {
	ID                     string                 `json:"id"`
	Type                   TaskType               `json:"type"`
	Priority               TaskPriority           `json:"priority"`
	Status                 TaskStatus             `json:"status"`
	ConsensusStrategy      ConsensusStrategy      `json:"consensus_strategy"`
	Requirements           TaskRequirements       `json:"requirements"`
	Payload                map[string]interface{} `json:"payload"` // opaque content, may carry blob refs
	RequesterID            string                 `json:"requester_id,omitempty"`
	CompletedVerifications int                    `json:"completed_verifications"`
	CreatedAt              time.Time              `json:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at"`
	ExpiresAt              time.Time              `json:"expires_at"`
}

// RequiredVerifications is the submission count that triggers consensus.
func (t *VerificationTask) RequiredVerifications() int {
	return t.Requirements.MinSubmissions
}

// ============================================================================
// WORKERS
// ============================================================================

// WorkerStatus is the availability state of a worker.
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "AVAILABLE"
	WorkerBusy      WorkerStatus = "BUSY"
	WorkerSuspended WorkerStatus = "SUSPENDED"
	WorkerInactive  WorkerStatus = "INACTIVE"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerAvailable, WorkerBusy, WorkerSuspended, WorkerInactive:
		return true
	}
	return false
}

// workerTransitions: AVAILABLE↔BUSY, AVAILABLE→SUSPENDED (admin/auto),
// SUSPENDED→AVAILABLE (admin only), INACTIVE reachable from AVAILABLE.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerAvailable: {WorkerBusy, WorkerSuspended, WorkerInactive},
	WorkerBusy:      {WorkerAvailable, WorkerSuspended},
	WorkerSuspended: {WorkerAvailable},
	WorkerInactive:  {WorkerAvailable},
}

// CanTransition reports whether s→to is a legal worker status change.
func (s WorkerStatus) CanTransition(to WorkerStatus) bool {
	for _, next := range workerTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerLevel is the coarse experience band derived from cumulative
// reputation points.
type WorkerLevel string

const (
	LevelBeginner     WorkerLevel = "BEGINNER"
	LevelIntermediate WorkerLevel = "INTERMEDIATE"
	LevelAdvanced     WorkerLevel = "ADVANCED"
	LevelExpert       WorkerLevel = "EXPERT"
)

func (l WorkerLevel) Valid() bool {
	switch l {
	case LevelBeginner, LevelIntermediate, LevelAdvanced, LevelExpert:
		return true
	}
	return false
}

// MinSkill is the per-task-type skill floor a task at this level demands.
func (l WorkerLevel) MinSkill() float64 {
	switch l {
	case LevelIntermediate:
		return 4
	case LevelAdvanced:
		return 7
	case LevelExpert:
		return 9
	default:
		return 1
	}
}

// Rank orders levels for comparisons, BEGINNER lowest.
func (l WorkerLevel) Rank() int {
	switch l {
	case LevelIntermediate:
		return 1
	case LevelAdvanced:
		return 2
	case LevelExpert:
		return 3
	default:
		return 0
	}
}

// PerformanceMetrics is the canonical per-task-type quality triple.
// All values live in [0,1].
type PerformanceMetrics struct {
	Accuracy    float64 `json:"accuracy"`
	Speed       float64 `json:"speed"`
	Consistency float64 `json:"consistency"`
}

// TaskOutcome is one entry of a worker's rolling task history.
type TaskOutcome struct {
	TaskID      string    `json:"task_id"`
	TaskType    TaskType  `json:"task_type"`
	Success     bool      `json:"success"`
	EarnedScore float64   `json:"earned_score"`
	Timestamp   time.Time `json:"timestamp"`
}

// TaskHistorySize bounds the rolling outcome window kept per worker.
const TaskHistorySize = 100

// WorkerProfile is the durable per-worker record.
//
// ReputationScore is the 0-100 moving composite used for gating and
// matching. ReputationPoints is a monotonic cumulative counter; level
// bands are a pure function of it.
type WorkerProfile struct {
	ID                string                          `json:"id"`
	Status            WorkerStatus                    `json:"status"`
	Level             WorkerLevel                     `json:"level"`
	Skills            map[TaskType]float64            `json:"skills"` // 0-100 per type
	ReputationScore   float64                         `json:"reputation_score"`
	ReputationPoints  float64                         `json:"reputation_points"`
	Metrics           map[TaskType]PerformanceMetrics `json:"metrics"`
	Specializations   []TaskType                      `json:"specializations,omitempty"`
	TaskHistory       []TaskOutcome                   `json:"task_history"`
	ActiveAssignments int                             `json:"active_assignments"`
	Timezone          string                          `json:"timezone,omitempty"`
	CreatedAt         time.Time                       `json:"created_at"`
	UpdatedAt         time.Time                       `json:"updated_at"`
	LastActiveAt      time.Time                       `json:"last_active_at"`
}

// SkillFor returns the worker's skill for a task type, zero when unset.
func (w *WorkerProfile) SkillFor(t TaskType) float64 {
	if w.Skills == nil {
		return 0
	}
	return w.Skills[t]
}

// MetricsFor returns the worker's metrics for a task type and whether any
// were recorded.
func (w *WorkerProfile) MetricsFor(t TaskType) (PerformanceMetrics, bool) {
	if w.Metrics == nil {
		return PerformanceMetrics{}, false
	}
	m, ok := w.Metrics[t]
	return m, ok
}

// RecordOutcome appends to the rolling history, evicting the oldest
// entries beyond TaskHistorySize.
func (w *WorkerProfile) RecordOutcome(o TaskOutcome) {
	w.TaskHistory = append(w.TaskHistory, o)
	if len(w.TaskHistory) > TaskHistorySize {
		w.TaskHistory = w.TaskHistory[len(w.TaskHistory)-TaskHistorySize:]
	}
}

// Clone returns a deep copy safe to mutate without aliasing the original.
func (w *WorkerProfile) Clone() *WorkerProfile {
	cp := *w
	if w.Skills != nil {
		cp.Skills = make(map[TaskType]float64, len(w.Skills))
		for k, v := range w.Skills {
			cp.Skills[k] = v
		}
	}
	if w.Metrics != nil {
		cp.Metrics = make(map[TaskType]PerformanceMetrics, len(w.Metrics))
		for k, v := range w.Metrics {
			cp.Metrics[k] = v
		}
	}
	cp.Specializations = append([]TaskType(nil), w.Specializations...)
	cp.TaskHistory = append([]TaskOutcome(nil), w.TaskHistory...)
	return &cp
}

// LevelForPoints maps cumulative reputation points onto a level band.
func LevelForPoints(points float64) WorkerLevel {
	switch {
	case points >= 500:
		return LevelExpert
	case points >= 250:
		return LevelAdvanced
	case points >= 100:
		return LevelIntermediate
	default:
		return LevelBeginner
	}
}

// ============================================================================
// SUBMISSIONS & ACTIVITY
// ============================================================================

// DeviceFingerprint captures browser surface signals sent with a
// submission. Empty canvas+webgl plus no plugins is the automation tell.
type DeviceFingerprint struct {
	Canvas    string   `json:"canvas"`
	WebGL     string   `json:"webgl"`
	Plugins   []string `json:"plugins"`
	Timezone  string   `json:"timezone,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

// BlocksAll reports whether canvas, webgl and plugins are all blocked.
func (f *DeviceFingerprint) BlocksAll() bool {
	return f != nil && f.Canvas == "" && f.WebGL == "" && len(f.Plugins) == 0
}

// WorkerSubmission is one worker's answer for one task.
type WorkerSubmission struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"task_id"`
	WorkerID    string                 `json:"worker_id"`
	Result      map[string]interface{} `json:"result"` // shape constrained by task type
	Confidence  float64                `json:"confidence"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Fingerprint *DeviceFingerprint     `json:"fingerprint,omitempty"`
	IPAddress   string                 `json:"ip_address,omitempty"`
}

// ProcessingTimeMs is the wall-clock answer latency in milliseconds.
func (s *WorkerSubmission) ProcessingTimeMs() int64 {
	if s.CompletedAt.Before(s.StartedAt) {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt).Milliseconds()
}

// Decision is the coarse outcome a submission carries, used by pattern
// analysis.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// WorkerActivity is one append-only record per submission decision.
type WorkerActivity struct {
	WorkerID         string    `json:"worker_id"`
	TaskID           string    `json:"task_id"`
	TaskType         TaskType  `json:"task_type"`
	Decision         Decision  `json:"decision"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// ============================================================================
// AUCTIONS & ASSIGNMENTS
// ============================================================================

// AuctionStatus is the auction state machine: OPEN → CLOSED | CANCELLED,
// both terminal.
type AuctionStatus string

const (
	AuctionOpen      AuctionStatus = "OPEN"
	AuctionClosed    AuctionStatus = "CLOSED"
	AuctionCancelled AuctionStatus = "CANCELLED"
)

func (s AuctionStatus) IsTerminal() bool {
	return s == AuctionClosed || s == AuctionCancelled
}

// Bid is a sealed offer from one worker.
type Bid struct {
	WorkerID  string    `json:"worker_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Auction tracks a sealed-bid auction for one task.
type Auction struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"task_id"`
	Status          AuctionStatus `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	MinBid          float64       `json:"min_bid"`
	MaxBid          float64       `json:"max_bid"`
	RequiredWinners int           `json:"required_winners"`
	Bids            []Bid         `json:"bids"`
	EligibleWorkers []string      `json:"eligible_workers"`
	Winners         []string      `json:"winners,omitempty"`
}

// Clone returns a deep copy of the auction, bids included.
func (a *Auction) Clone() *Auction {
	cp := *a
	cp.Bids = append([]Bid(nil), a.Bids...)
	cp.EligibleWorkers = append([]string(nil), a.EligibleWorkers...)
	cp.Winners = append([]string(nil), a.Winners...)
	return &cp
}

// DistributionStrategy selects how a task reaches workers.
type DistributionStrategy string

const (
	DistributeBroadcast DistributionStrategy = "BROADCAST"
	DistributeTargeted  DistributionStrategy = "TARGETED"
	DistributeAuction   DistributionStrategy = "AUCTION"
)

// MatchingStrategy selects the sub-score weight table used by the matcher.
type MatchingStrategy string

const (
	MatchBalanced           MatchingStrategy = "BALANCED"
	MatchSkillFocused       MatchingStrategy = "SKILL_FOCUSED"
	MatchReputationFocused  MatchingStrategy = "REPUTATION_FOCUSED"
	MatchPerformanceFocused MatchingStrategy = "PERFORMANCE_FOCUSED"
)

// TaskAssignment binds one worker to one task until expiry.
type TaskAssignment struct {
	ID         string               `json:"id"`
	TaskID     string               `json:"task_id"`
	WorkerID   string               `json:"worker_id"`
	Strategy   DistributionStrategy `json:"strategy"`
	AssignedAt time.Time            `json:"assigned_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
}

// ============================================================================
// FRAUD
// ============================================================================

// FraudLevel buckets a risk score: LOW below 0.3, MEDIUM from 0.3,
// HIGH from 0.5, CRITICAL from 0.9.
type FraudLevel string

const (
	FraudLow      FraudLevel = "LOW"
	FraudMedium   FraudLevel = "MEDIUM"
	FraudHigh     FraudLevel = "HIGH"
	FraudCritical FraudLevel = "CRITICAL"
)

// FraudAction tags the responses a detection recommends.
type FraudAction string

const (
	ActionMonitor                FraudAction = "MONITOR"
	ActionEnhancedMonitoring     FraudAction = "ENABLE_ENHANCED_MONITORING"
	ActionAdditionalVerification FraudAction = "REQUIRE_ADDITIONAL_VERIFICATION"
	ActionIncreaseRequirements   FraudAction = "INCREASE_VERIFICATION_REQUIREMENTS"
	ActionRestrictTaskAccess     FraudAction = "RESTRICT_TASK_ACCESS"
	ActionFlagForReview          FraudAction = "FLAG_FOR_REVIEW"
	ActionSuspendAccount         FraudAction = "SUSPEND_ACCOUNT"
	ActionInvalidateRecent       FraudAction = "INVALIDATE_RECENT_SUBMISSIONS"
	ActionBlockPayments          FraudAction = "BLOCK_PAYMENTS"
	ActionTriggerManualReview    FraudAction = "TRIGGER_MANUAL_REVIEW"
)

// FraudSignals carries the four sub-detector scores, each in [0,1].
type FraudSignals struct {
	Time    float64 `json:"time"`
	Pattern float64 `json:"pattern"`
	Network float64 `json:"network"`
	Content float64 `json:"content"`
}

// FraudCheckInput is the detector contract input.
type FraudCheckInput struct {
	WorkerID         string                 `json:"worker_id"`
	TaskID           string                 `json:"task_id"`
	TaskType         TaskType               `json:"task_type"`
	Content          map[string]interface{} `json:"content,omitempty"`
	Fingerprint      *DeviceFingerprint     `json:"fingerprint,omitempty"`
	IPAddress        string                 `json:"ip_address,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
}

// FraudDetectionResult is the detector contract output.
type FraudDetectionResult struct {
	WorkerID     string        `json:"worker_id"`
	TaskID       string        `json:"task_id"`
	IsFraudulent bool          `json:"is_fraudulent"`
	RiskScore    float64       `json:"risk_score"` // 0-1
	Level        FraudLevel    `json:"level"`
	Confidence   float64       `json:"confidence"` // 0-1
	Reasons      []string      `json:"reasons,omitempty"`
	Actions      []FraudAction `json:"actions,omitempty"`
	Signals      FraudSignals  `json:"signals"`
	DetectedAt   time.Time     `json:"detected_at"`
}

// ============================================================================
// VERIFICATION RESULTS
// ============================================================================

// ConfidenceLevel buckets the consensus confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "LOW"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
)

// QualityMetrics is the per-worker quality observed on one task.
type QualityMetrics struct {
	WorkerID         string  `json:"worker_id"`
	Accuracy         float64 `json:"accuracy"`
	ConsistencyScore float64 `json:"consistency_score"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	Weight           float64 `json:"weight,omitempty"` // set under WEIGHTED strategy
}

// VerificationResult is the consensus outcome for one task.
type VerificationResult struct {
	TaskID          string                    `json:"task_id"`
	Status          TaskStatus                `json:"status"` // COMPLETED, NEEDS_REVIEW or FAILED
	Consensus       map[string]interface{}    `json:"consensus"`
	ConfidenceLevel ConfidenceLevel           `json:"confidence_level"`
	ConfidenceScore float64                   `json:"confidence_score"`
	Agreement       float64                   `json:"agreement"`
	WorkerMetrics   map[string]QualityMetrics `json:"worker_metrics"`
	FraudSummary    map[string]float64        `json:"fraud_summary,omitempty"` // workerId → riskScore
	ProcessedAt     time.Time                 `json:"processed_at"`
}

// AssignmentResult is what one distribution round produced.
type AssignmentResult struct {
	TaskID         string               `json:"task_id"`
	Strategy       DistributionStrategy `json:"strategy"`
	Assignments    []TaskAssignment     `json:"assignments"`
	NotifyFailures []string             `json:"notify_failures,omitempty"` // workerIds we could not reach
	AuctionID      string               `json:"auction_id,omitempty"`
	DistributedAt  time.Time            `json:"distributed_at"`
}
