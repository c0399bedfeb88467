package fraud

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/pb"
)

type stubActivity struct {
	byWorker map[string][]core.WorkerActivity
}

func (s *stubActivity) RecentActivity(_ context.Context, workerID string, _ time.Duration) ([]core.WorkerActivity, error) {
	return s.byWorker[workerID], nil
}

type stubProfiles struct {
	profiles map[string]*core.WorkerProfile
}

func (s *stubProfiles) GetWorker(_ context.Context, id string, _ bool) (*core.WorkerProfile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return nil, core.ErrWorkerNotFound
	}
	return p, nil
}

type captureAudit struct {
	mu      sync.Mutex
	records []string
}

func (c *captureAudit) Record(_ context.Context, category, subject string, _ map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, category+":"+subject)
	return nil
}

func (c *captureAudit) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func testConfig() config.FraudConfig {
	return config.FraudConfig{
		TimeWindowMinutes:   60,
		MaxTasksPerHour:     20,
		MinProcessingTimeMs: 3000,
		MaxSimilarityScore:  0.95,
		MaxIPTaskCount:      5,
		MemoTTLMinutes:      10,
	}
}

// humanActivity builds n events with irregular spacing, mixed types,
// mixed decisions and unhurried processing times.
func humanActivity(workerID string, n int) []core.WorkerActivity {
	base := time.Now().Add(-30 * time.Minute)
	gaps := []time.Duration{3 * time.Second, 47 * time.Second, 11 * time.Second, 95 * time.Second, 29 * time.Second, 8 * time.Second, 61 * time.Second}
	types := []core.TaskType{core.TaskTextClassification, core.TaskImageClassification}
	decisions := []core.Decision{core.DecisionApproved, core.DecisionRejected}

	acts := make([]core.WorkerActivity, 0, n)
	ts := base
	for i := 0; i < n; i++ {
		ts = ts.Add(gaps[i%len(gaps)] + time.Duration(i)*time.Second)
		acts = append(acts, core.WorkerActivity{
			WorkerID:         workerID,
			TaskID:           "task-" + string(rune('a'+i%26)),
			TaskType:         types[i%2],
			Decision:         decisions[i%2],
			ProcessingTimeMs: 6000 + int64(i*250),
			Timestamp:        ts,
		})
	}
	return acts
}

// metronomicActivity builds n events exactly eight seconds apart, with
// types and decisions alternating so only the cadence looks synthetic.
func metronomicActivity(workerID string, n int) []core.WorkerActivity {
	base := time.Now().Add(-30 * time.Minute)
	types := []core.TaskType{core.TaskTextClassification, core.TaskImageClassification}
	decisions := []core.Decision{core.DecisionApproved, core.DecisionRejected}

	acts := make([]core.WorkerActivity, 0, n)
	for i := 0; i < n; i++ {
		acts = append(acts, core.WorkerActivity{
			WorkerID:         workerID,
			TaskID:           "task-" + string(rune('a'+i%26)),
			TaskType:         types[i%2],
			Decision:         decisions[i%2],
			ProcessingTimeMs: 6000,
			Timestamp:        base.Add(time.Duration(i) * 8 * time.Second),
		})
	}
	return acts
}

func newTestDetector(cfg config.FraudConfig, acts *stubActivity) *Detector {
	if acts == nil {
		acts = &stubActivity{byWorker: map[string][]core.WorkerActivity{}}
	}
	profiles := &stubProfiles{profiles: map[string]*core.WorkerProfile{}}
	return NewDetector(cfg, acts, profiles, NewMemoryShareIndex(time.Hour), &pb.StaticIntelClient{}, nil)
}

func TestDetectCleanWorker(t *testing.T) {
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-clean": humanActivity("w-clean", 12),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-clean",
		TaskID:           "task-1",
		TaskType:         core.TaskTextClassification,
		ProcessingTimeMs: 5500,
	})
	require.NoError(t, err)

	assert.False(t, result.IsFraudulent)
	assert.Equal(t, core.FraudLow, result.Level)
	assert.Zero(t, result.RiskScore)
	assert.Equal(t, []core.FraudAction{core.ActionMonitor}, result.Actions)
	assert.InDelta(t, 1.0, result.Confidence, 1e-9)
	assert.Empty(t, result.Reasons)
}

func TestDetectSubhumanProcessingTime(t *testing.T) {
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-bot": humanActivity("w-bot", 8),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-bot",
		TaskID:           "task-1",
		ProcessingTimeMs: 400,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, result.Signals.Time, 1e-9)
	assert.NotEmpty(t, result.Reasons)
	assert.Contains(t, result.Reasons[0], "below human minimum")
}

func TestDetectRelativeSpeedup(t *testing.T) {
	// Historical average processing is 6000ms and change
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-fast": humanActivity("w-fast", 8),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()

	// 3100ms clears the absolute floor but runs under half the average
	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-fast",
		TaskID:           "task-1",
		ProcessingTimeMs: 3100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, result.Signals.Time, 1e-9)
}

func TestDetectInsufficientHistoryStaysQuiet(t *testing.T) {
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-new": humanActivity("w-new", 3),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()

	// Even a sub-minimum time is not flagged with only 3 events of history
	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-new",
		TaskID:           "task-1",
		ProcessingTimeMs: 100,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Signals.Time)
	assert.Zero(t, result.Signals.Pattern)
}

func TestDetectMetronomicCadence(t *testing.T) {
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-metro": metronomicActivity("w-metro", 12),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-metro",
		TaskID:           "task-1",
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, result.Signals.Pattern, 1e-9)
}

func TestDetectThroughputOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTasksPerHour = 10
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-grind": humanActivity("w-grind", 15),
	}}
	d := newTestDetector(cfg, acts)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-grind",
		TaskID:           "task-1",
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.Signals.Pattern, 1e-9)
}

func TestDetectSharedIP(t *testing.T) {
	shares := NewMemoryShareIndex(time.Hour)
	ctx := context.Background()
	for _, w := range []string{"w-1", "w-2", "w-3", "w-4", "w-5"} {
		_, err := shares.RecordIP(ctx, "203.0.113.7", w)
		require.NoError(t, err)
	}

	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		&stubProfiles{profiles: map[string]*core.WorkerProfile{}},
		shares, &pb.StaticIntelClient{}, nil)
	defer d.Stop()

	result, err := d.Detect(ctx, &core.FraudCheckInput{
		WorkerID:         "w-6",
		TaskID:           "task-1",
		IPAddress:        "203.0.113.7",
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, result.Signals.Network, 1e-9)
	assert.Contains(t, result.Reasons[0], "workers active on ip")
}

func TestDetectVPNAndTimezoneMismatch(t *testing.T) {
	intel := &pb.StaticIntelClient{Reputation: &pb.IPReputation{
		IpAddress: "198.51.100.2",
		RiskScore: 0.9,
		IsVpn:     true,
		Timezone:  "Europe/Amsterdam",
	}}
	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		&stubProfiles{profiles: map[string]*core.WorkerProfile{}},
		NewMemoryShareIndex(time.Hour), intel, nil)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:  "w-vpn",
		TaskID:    "task-1",
		IPAddress: "198.51.100.2",
		Fingerprint: &core.DeviceFingerprint{
			Canvas:   "c1",
			WebGL:    "g1",
			Plugins:  []string{"pdf"},
			Timezone: "Asia/Manila",
		},
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)

	// vpn risk 0.9 plus timezone contradiction 0.5, capped at 1.0
	assert.InDelta(t, 1.0, result.Signals.Network, 1e-9)
	assert.Contains(t, result.Reasons, "ip flagged as vpn exit")
}

func TestDetectBlockedFingerprintFloor(t *testing.T) {
	d := newTestDetector(testConfig(), nil)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-headless",
		TaskID:           "task-1",
		Fingerprint:      &core.DeviceFingerprint{Timezone: "UTC"},
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Signals.Network, 0.9)
	assert.Contains(t, result.Reasons, "fingerprint surface fully blocked, likely automation")
}

func TestDetectDuplicateContent(t *testing.T) {
	d := newTestDetector(testConfig(), nil)
	defer d.Stop()
	ctx := context.Background()

	content := map[string]interface{}{
		"label":     "positive",
		"rationale": "the reviewer clearly enjoyed the battery life and the keyboard",
	}

	first, err := d.Detect(ctx, &core.FraudCheckInput{
		WorkerID: "w-copy", TaskID: "task-1", Content: content, ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.Zero(t, first.Signals.Content)

	second, err := d.Detect(ctx, &core.FraudCheckInput{
		WorkerID: "w-copy", TaskID: "task-2", Content: content, ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, second.Signals.Content, 1e-9)
	assert.Contains(t, second.Reasons[0], "similar to recent submission")
}

func TestDetectOverclaimedConfidence(t *testing.T) {
	profiles := &stubProfiles{profiles: map[string]*core.WorkerProfile{
		"w-brag": {
			ID: "w-brag",
			Metrics: map[core.TaskType]core.PerformanceMetrics{
				core.TaskSentimentAnalysis: {Accuracy: 0.2},
			},
		},
	}}
	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		profiles, NewMemoryShareIndex(time.Hour), &pb.StaticIntelClient{}, nil)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID: "w-brag",
		TaskID:   "task-1",
		TaskType: core.TaskSentimentAnalysis,
		Content: map[string]interface{}{
			"sentiment":  "positive",
			"confidence": 0.99,
		},
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.Signals.Content, 1e-9)
	assert.Contains(t, result.Reasons[0], "inconsistent with accuracy")
}

func TestDetectCriticalCompound(t *testing.T) {
	cfg := testConfig()
	cfg.Weights = config.FraudWeights{Time: 0.2, Pattern: 0.2, Network: 0.4, Content: 0.2}

	shares := NewMemoryShareIndex(time.Hour)
	ctx := context.Background()
	for _, w := range []string{"w-1", "w-2", "w-3", "w-4", "w-5"} {
		_, err := shares.RecordIP(ctx, "203.0.113.9", w)
		require.NoError(t, err)
	}

	intel := &pb.StaticIntelClient{Reputation: &pb.IPReputation{
		IpAddress: "203.0.113.9",
		RiskScore: 0.3,
		Timezone:  "America/New_York",
	}}
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-farm": metronomicActivity("w-farm", 12),
	}}
	audit := &captureAudit{}

	d := NewDetector(cfg, acts, &stubProfiles{profiles: map[string]*core.WorkerProfile{}}, shares, intel, nil)
	d.SetAudit(audit)
	defer d.Stop()

	content := map[string]interface{}{"label": "approve", "note": "looks good to me overall honestly"}
	input := func(taskID string) *core.FraudCheckInput {
		return &core.FraudCheckInput{
			WorkerID:  "w-farm",
			TaskID:    taskID,
			IPAddress: "203.0.113.9",
			// Timezone set but all fingerprint surfaces blocked
			Fingerprint:      &core.DeviceFingerprint{Timezone: "Asia/Manila"},
			Content:          content,
			ProcessingTimeMs: 400,
		}
	}

	_, err := d.Detect(ctx, input("task-1"))
	require.NoError(t, err)

	result, err := d.Detect(ctx, input("task-2"))
	require.NoError(t, err)

	// time 0.9, pattern 0.9, network 1.0, content 0.8 under 20/20/40/20
	assert.InDelta(t, 0.92, result.RiskScore, 1e-9)
	assert.Equal(t, core.FraudCritical, result.Level)
	assert.True(t, result.IsFraudulent)
	assert.Contains(t, result.Actions, core.ActionSuspendAccount)
	assert.Contains(t, result.Actions, core.ActionBlockPayments)
	assert.Equal(t, 2, audit.count()) // one entry per check
}

func TestProviderFingerprintHistoryFlagsSharedDevice(t *testing.T) {
	// The local share index has never seen this device; only the
	// provider's history knows it is farmed across five workers.
	intel := &pb.StaticIntelClient{History: &pb.FingerprintHistory{
		WorkerIds: []string{"w-1", "w-2", "w-3", "w-4", "w-5"},
	}}
	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		&stubProfiles{profiles: map[string]*core.WorkerProfile{}},
		NewMemoryShareIndex(time.Hour), intel, nil)
	defer d.Stop()

	score, reasons := d.networkScore(context.Background(), &core.FraudCheckInput{
		WorkerID: "w-1",
		TaskID:   "task-1",
		Fingerprint: &core.DeviceFingerprint{
			Canvas:  "c4nv4s",
			WebGL:   "webgl-ok",
			Plugins: []string{"pdf"},
		},
	})
	assert.InDelta(t, 0.7, score, 1e-9)
	assert.NotEmpty(t, reasons)
}

func TestEveryCheckLandsOnAuditSink(t *testing.T) {
	audit := &captureAudit{}
	d := newTestDetector(testConfig(), nil)
	d.SetAudit(audit)
	defer d.Stop()
	ctx := context.Background()

	clean, err := d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1", TaskID: "task-1", ProcessingTimeMs: 6000})
	require.NoError(t, err)
	assert.False(t, clean.IsFraudulent)
	assert.Equal(t, 1, audit.count())

	// A memo hit replays the cached result without a second entry.
	_, err = d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1", TaskID: "task-1", ProcessingTimeMs: 6000})
	require.NoError(t, err)
	assert.Equal(t, 1, audit.count())
}

func TestDetectMemoizesPerWorkerTask(t *testing.T) {
	d := newTestDetector(testConfig(), nil)
	defer d.Stop()
	ctx := context.Background()

	first, err := d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1", TaskID: "task-1", ProcessingTimeMs: 6000})
	require.NoError(t, err)

	second, err := d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1", TaskID: "task-1", ProcessingTimeMs: 6000})
	require.NoError(t, err)
	assert.Equal(t, first.DetectedAt, second.DetectedAt)
	assert.Equal(t, 1, d.memo.size())
}

func TestMemoInvalidatedByReputationEvent(t *testing.T) {
	bus := events.NewEventBus()
	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		&stubProfiles{profiles: map[string]*core.WorkerProfile{}},
		NewMemoryShareIndex(time.Hour), &pb.StaticIntelClient{}, bus)
	defer d.Stop()
	ctx := context.Background()

	_, err := d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1", TaskID: "task-1", ProcessingTimeMs: 6000})
	require.NoError(t, err)
	require.Equal(t, 1, d.memo.size())

	bus.Emit(events.ReputationUpdated, "/verifier/reputation", "w-1", map[string]interface{}{"delta": 5})

	require.Eventually(t, func() bool {
		return d.memo.size() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDetectValidation(t *testing.T) {
	d := newTestDetector(testConfig(), nil)
	defer d.Stop()
	ctx := context.Background()

	_, err := d.Detect(ctx, nil)
	assert.True(t, core.IsValidation(err))

	_, err = d.Detect(ctx, &core.FraudCheckInput{TaskID: "task-1"})
	assert.True(t, core.IsValidation(err))

	_, err = d.Detect(ctx, &core.FraudCheckInput{WorkerID: "w-1"})
	assert.True(t, core.IsValidation(err))
}

func TestBehaviorRisk(t *testing.T) {
	acts := &stubActivity{byWorker: map[string][]core.WorkerActivity{
		"w-metro": metronomicActivity("w-metro", 12),
		"w-human": humanActivity("w-human", 12),
	}}
	d := newTestDetector(testConfig(), acts)
	defer d.Stop()
	ctx := context.Background()

	risky, err := d.BehaviorRisk(ctx, "w-metro")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, risky, 1e-9)

	calm, err := d.BehaviorRisk(ctx, "w-human")
	require.NoError(t, err)
	assert.Zero(t, calm)

	_, err = d.BehaviorRisk(ctx, "")
	assert.True(t, core.IsValidation(err))
}

func TestIntelOutageDegradesGracefully(t *testing.T) {
	intel := &pb.StaticIntelClient{Err: context.DeadlineExceeded}
	d := NewDetector(testConfig(),
		&stubActivity{byWorker: map[string][]core.WorkerActivity{}},
		&stubProfiles{profiles: map[string]*core.WorkerProfile{}},
		NewMemoryShareIndex(time.Hour), intel, nil)
	defer d.Stop()

	result, err := d.Detect(context.Background(), &core.FraudCheckInput{
		WorkerID:         "w-1",
		TaskID:           "task-1",
		IPAddress:        "198.51.100.9",
		ProcessingTimeMs: 6000,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Signals.Network)
	assert.False(t, result.IsFraudulent)
}
