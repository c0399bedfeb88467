package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verihive/backend/internal/activity"
	"github.com/verihive/backend/internal/auction"
	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/consensus"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/distributor"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/fraud"
	"github.com/verihive/backend/internal/matcher"
	"github.com/verihive/backend/internal/orchestrator"
	"github.com/verihive/backend/internal/reputation"
	"github.com/verihive/backend/internal/storage"
	"github.com/verihive/backend/internal/workerstore"
	"github.com/verihive/backend/pb"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	Tasks          int
	PoolSize       int
	Concurrency    int
	Submissions    int
	RoundTimeout   time.Duration
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TasksStarted       uint64
	TasksCompleted     uint64
	TasksNeedReview    uint64
	TasksFailed        uint64
	DistributionErrors uint64
	Timeouts           uint64
	SubmissionsQueued  uint64
	TotalDuration      time.Duration
	AvgLatency         time.Duration
	MaxLatency         time.Duration
	MinLatency         time.Duration
	P95Latency         time.Duration
	P99Latency         time.Duration
	TasksPerSecond     float64
}

func main() {
	tasks := flag.Int("tasks", 500, "Number of verification rounds to run")
	poolSize := flag.Int("workers", 40, "Size of the seeded worker pool")
	concurrency := flag.Int("concurrency", 16, "Number of concurrent task generators")
	submissions := flag.Int("submissions", 3, "Submissions required per task")
	roundTimeout := flag.Duration("round-timeout", 10*time.Second, "Give up on a round after this long")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	verbose := flag.Bool("verbose", false, "Keep component logs on")
	flag.Parse()

	if !*verbose {
		// Component loggers snapshot log.Writer() at construction, so
		// discarding it here silences the pipeline but not the report.
		log.SetOutput(io.Discard)
	}

	cfg := LoadTestConfig{
		Tasks:          *tasks,
		PoolSize:       *poolSize,
		Concurrency:    *concurrency,
		Submissions:    *submissions,
		RoundTimeout:   *roundTimeout,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting Verification Pipeline Load Test")
	slog.Info("Rounds", "tasks", cfg.Tasks, "submissions_per_task", cfg.Submissions)
	slog.Info("Generators", "concurrency", cfg.Concurrency, "worker_pool", cfg.PoolSize)

	stats := runLoadTest(cfg)
	printResults(stats)
}

func runLoadTest(cfg LoadTestConfig) *LoadTestStats {
	ctx := context.Background()

	// Everything in-memory, mocked intel, fraud rate dials opened up:
	// synthetic load is legitimately fast and concentrated, and the
	// point here is pipeline throughput, not catching the generator.
	appCfg := config.Default()
	appCfg.Fraud.MaxTasksPerHour = 1_000_000
	appCfg.Fraud.MaxIPTaskCount = 1_000_000

	store := storage.NewMemoryStore()
	bus := events.NewEventBus()

	workers := workerstore.New(store, appCfg.WorkerStore, nil, bus, nil)
	defer workers.Stop()
	index := activity.New(appCfg.Activity, nil)
	defer index.Stop()
	detector := fraud.NewDetector(appCfg.Fraud, index, workers, nil, &pb.MockIntelClient{}, bus)
	defer detector.Stop()
	engine := consensus.NewEngine(workers)
	rep := reputation.NewService(appCfg.Reputation, workers, bus)
	auctions := auction.NewManager(appCfg.Auction, appCfg.Assignment, store, bus)
	defer auctions.Stop()
	dist := distributor.New(appCfg.Assignment, matcher.New(appCfg.Matching), auctions, bus, nil)

	orch := orchestrator.New(appCfg.Orchestrator, orchestrator.Deps{
		Tasks:       store,
		Submissions: store,
		Results:     store,
		DeadLetters: store,
		Activity:    index,
		Fraud:       detector,
		Consensus:   engine,
		Reputation:  rep,
		Workers:     workers,
		Distributor: dist,
		Bus:         bus,
	})

	queue := orchestrator.NewChannelQueue(cfg.Concurrency * cfg.Submissions * 2)
	consumer := orchestrator.NewConsumer(orch, queue, orchestrator.NewMemoryDedup(), appCfg.Orchestrator)
	consumer.Start()
	defer consumer.Stop()
	defer queue.Close()

	seedWorkers(ctx, workers, cfg.PoolSize)

	// One watcher routes completion events to the waiting round.
	var waiters sync.Map // task id → chan string
	completions := bus.Subscribe(events.VerificationCompleted)
	defer bus.Unsubscribe(completions)
	go func() {
		for ev := range completions {
			if ch, ok := waiters.LoadAndDelete(ev.Subject); ok {
				status, _ := ev.Data["status"].(string)
				ch.(chan string) <- status
			}
		}
	}()

	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	reportCtx, cancelReport := context.WithCancel(ctx)
	defer cancelReport()
	go reportStats(reportCtx, stats, queue, cfg.ReportInterval)

	roundChan := make(chan int, cfg.Tasks)
	var wg sync.WaitGroup

	startTime := time.Now()
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := range roundChan {
				runRound(ctx, cfg, orch, queue, &waiters, round, stats, &latencies, &latenciesMu)
			}
		}()
	}

	for i := 0; i < cfg.Tasks; i++ {
		roundChan <- i
	}
	close(roundChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.TasksPerSecond = float64(stats.TasksStarted) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// seedWorkers registers the synthetic pool. Everyone is skilled enough
// for sentiment tasks so distribution never rejects on eligibility.
func seedWorkers(ctx context.Context, workers *workerstore.Store, n int) {
	for i := 0; i < n; i++ {
		w := &core.WorkerProfile{
			ID:              fmt.Sprintf("load-worker-%d", i),
			ReputationScore: 85,
			Skills:          map[core.TaskType]float64{core.TaskSentimentAnalysis: 80},
		}
		if err := workers.CreateWorker(ctx, w); err != nil {
			slog.Error("seed worker failed", "worker_id", w.ID, "error", err)
		}
	}
}

// runRound drives one task from creation through consensus: distribute,
// queue the required submissions from the assigned workers, then wait
// for the completion event.
func runRound(
	ctx context.Context,
	cfg LoadTestConfig,
	orch *orchestrator.Orchestrator,
	queue *orchestrator.ChannelQueue,
	waiters *sync.Map,
	round int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	taskID := fmt.Sprintf("load-task-%d", round)
	done := make(chan string, 1)
	waiters.Store(taskID, done)

	task := &core.VerificationTask{
		ID:           taskID,
		Type:         core.TaskSentimentAnalysis,
		Requirements: core.TaskRequirements{MinSubmissions: cfg.Submissions},
		Payload:      map[string]interface{}{"text": fmt.Sprintf("synthetic review %d", round)},
		RequesterID:  "loadtest",
	}

	start := time.Now()
	atomic.AddUint64(&stats.TasksStarted, 1)

	result, err := orch.OnTaskCreated(ctx, task)
	if err != nil {
		waiters.Delete(taskID)
		atomic.AddUint64(&stats.DistributionErrors, 1)
		return
	}

	assigned := result.Assignments
	if len(assigned) > cfg.Submissions {
		assigned = assigned[:cfg.Submissions]
	}
	for i, a := range assigned {
		now := time.Now()
		sub := core.WorkerSubmission{
			TaskID:   taskID,
			WorkerID: a.WorkerID,
			// Mild spread keeps agreement high without being identical
			Result:      map[string]interface{}{"score": 0.6 + 0.1*float64(i%3)},
			Confidence:  0.9,
			StartedAt:   now.Add(-time.Duration(4+i) * time.Second),
			CompletedAt: now,
			IPAddress:   fmt.Sprintf("10.42.%d.%d", round%250, i+1),
		}
		if _, perr := queue.Publish(sub); perr != nil {
			slog.Error("publish failed", "task_id", taskID, "error", perr)
			continue
		}
		atomic.AddUint64(&stats.SubmissionsQueued, 1)
	}

	select {
	case status := <-done:
		latency := time.Since(start)
		switch status {
		case string(core.TaskCompleted):
			atomic.AddUint64(&stats.TasksCompleted, 1)
		case string(core.TaskNeedsReview):
			atomic.AddUint64(&stats.TasksNeedReview, 1)
		default:
			atomic.AddUint64(&stats.TasksFailed, 1)
		}

		latenciesMu.Lock()
		*latencies = append(*latencies, latency)
		if latency > stats.MaxLatency {
			stats.MaxLatency = latency
		}
		if latency < stats.MinLatency {
			stats.MinLatency = latency
		}
		latenciesMu.Unlock()
	case <-time.After(cfg.RoundTimeout):
		waiters.Delete(taskID)
		atomic.AddUint64(&stats.Timeouts, 1)
	}
}

func reportStats(ctx context.Context, stats *LoadTestStats, queue *orchestrator.ChannelQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"started", atomic.LoadUint64(&stats.TasksStarted),
				"completed", atomic.LoadUint64(&stats.TasksCompleted),
				"failed", atomic.LoadUint64(&stats.TasksFailed),
				"timeouts", atomic.LoadUint64(&stats.Timeouts),
				"queue_depth", queue.Depth(),
			)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Tasks Started:          %d\n", stats.TasksStarted)
	fmt.Printf("Tasks Completed:        %d (%.2f%%)\n",
		stats.TasksCompleted,
		float64(stats.TasksCompleted)/float64(stats.TasksStarted)*100)
	fmt.Printf("Needs Review:           %d\n", stats.TasksNeedReview)
	fmt.Printf("Tasks Failed:           %d\n", stats.TasksFailed)
	fmt.Printf("Distribution Errors:    %d\n", stats.DistributionErrors)
	fmt.Printf("Round Timeouts:         %d\n", stats.Timeouts)
	fmt.Printf("Submissions Queued:     %d\n", stats.SubmissionsQueued)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f tasks/sec\n", stats.TasksPerSecond)
	fmt.Println(divider)
	fmt.Printf("Round Latency (min):    %v\n", stats.MinLatency)
	fmt.Printf("Round Latency (avg):    %v\n", stats.AvgLatency)
	fmt.Printf("Round Latency (p95):    %v\n", stats.P95Latency)
	fmt.Printf("Round Latency (p99):    %v\n", stats.P99Latency)
	fmt.Printf("Round Latency (max):    %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.TasksPerSecond >= 50 {
		fmt.Println("✅ PASS: Throughput meets target (>50 tasks/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<50 tasks/sec)")
	}

	if stats.P95Latency < 250*time.Millisecond {
		fmt.Println("✅ PASS: P95 round latency meets target (<250ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 round latency above target (>250ms)")
	}

	settled := stats.TasksCompleted + stats.TasksNeedReview
	successRate := float64(settled) / float64(stats.TasksStarted) * 100
	if successRate >= 95 {
		fmt.Println("✅ PASS: Settlement rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Settlement rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
