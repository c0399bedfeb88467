package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver for the reputation ledger
	"github.com/prometheus/client_golang/prometheus"

	"github.com/verihive/backend/internal/activity"
	"github.com/verihive/backend/internal/auction"
	"github.com/verihive/backend/internal/audit"
	"github.com/verihive/backend/internal/circuitbreaker"
	"github.com/verihive/backend/internal/config"
	"github.com/verihive/backend/internal/consensus"
	"github.com/verihive/backend/internal/core"
	"github.com/verihive/backend/internal/distributor"
	"github.com/verihive/backend/internal/events"
	"github.com/verihive/backend/internal/fraud"
	"github.com/verihive/backend/internal/infra"
	"github.com/verihive/backend/internal/matcher"
	"github.com/verihive/backend/internal/notify"
	"github.com/verihive/backend/internal/ops"
	"github.com/verihive/backend/internal/orchestrator"
	"github.com/verihive/backend/internal/reputation"
	"github.com/verihive/backend/internal/storage"
	"github.com/verihive/backend/internal/workerstore"
	"github.com/verihive/backend/pb"
)

const submissionQueueSize = 256

func main() {
	// .env is optional; deployed environments inject real variables.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv()

	log.Printf("🔥 starting verihive verifier (env=%s)", cfg.Server.Env)

	// ------------------------------------------------------------------
	// Durable storage
	// ------------------------------------------------------------------

	var (
		workerBackend storage.WorkerRecordStore
		taskStore     storage.TaskRecordStore
		subStore      storage.SubmissionStore
		resultStore   storage.ResultStore
		auctionStore  storage.AuctionStore
		deadStore     storage.DeadLetterStore
	)
	if cfg.Supabase.URL != "" && cfg.Supabase.Key != "" {
		sb, serr := storage.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.Key)
		if serr != nil {
			log.Fatalf("supabase init: %v", serr)
		}
		workerBackend, taskStore, subStore, resultStore, auctionStore, deadStore = sb, sb, sb, sb, sb, sb
		log.Printf("🏦 Supabase storage online")
	} else {
		mem := storage.NewMemoryStore()
		workerBackend, taskStore, subStore, resultStore, auctionStore, deadStore = mem, mem, mem, mem, mem, mem
		log.Printf("⚠️ no Supabase configured, records are in-memory only")
	}

	// Spanner doubles as the activity mirror and the reputation journal.
	var journal *storage.SpannerJournal
	if cfg.Spanner.Enabled && cfg.Spanner.Database != "" {
		journal, err = storage.NewSpannerJournal(cfg.Spanner.Database)
		if err != nil {
			log.Printf("⚠️ spanner journal unavailable, continuing without: %v", err)
			journal = nil
		}
	}

	var redis *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		redis, err = infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️ redis unavailable, falling back to in-memory indexes: %v", err)
			redis = nil
		}
	}

	// ------------------------------------------------------------------
	// Event fan-out
	// ------------------------------------------------------------------

	var (
		bus     *events.EventBus
		emitter events.EventEmitter
		psBus   *events.PubSubEventBus
	)
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		psBus, err = events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Printf("⚠️ pub/sub unavailable, events stay in-process: %v", err)
		} else {
			bus = psBus.EventBus
			emitter = psBus
		}
	}
	if bus == nil {
		bus = events.NewEventBus()
		emitter = bus
	}

	// ------------------------------------------------------------------
	// Worker notifications
	// ------------------------------------------------------------------

	dispatcher := notify.NewDispatcher(cfg.Notifications.Endpoint, cfg.Notifications.Workers, cfg.Notifications.QueueSize)
	var notifier notify.Notifier = dispatcher
	var cloudNotifier *notify.CloudNotifier
	if cfg.CloudTasks.Enabled {
		cloudNotifier, err = notify.NewCloudNotifier(
			cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID,
			cfg.CloudTasks.QueueID, cfg.CloudTasks.TargetURL, dispatcher)
		if err != nil {
			log.Printf("⚠️ cloud tasks unavailable, using direct dispatch: %v", err)
		} else {
			notifier = cloudNotifier
		}
	}

	// ------------------------------------------------------------------
	// Verification components
	// ------------------------------------------------------------------

	registry := prometheus.DefaultRegisterer
	breakers := circuitbreaker.NewVerifierBreakers()

	workers := workerstore.New(workerBackend, cfg.WorkerStore, nil, emitter, notifier)

	var mirror storage.ActivityLogStore
	if journal != nil {
		mirror = journal
	}
	index := activity.New(cfg.Activity, mirror)

	var shares fraud.ShareIndex
	if redis != nil {
		shares = fraud.NewRedisShareIndex(redis, time.Duration(cfg.Fraud.DeviceFingerprintTTLHrs)*time.Hour)
	}

	trail := newTrail(cfg)
	tap := audit.NewTap(trail, bus)
	tap.Start()

	// Intel provider selection is a deployment concern; the mock keeps
	// the IP and fingerprint signals neutral until one is wired.
	detector := fraud.NewDetector(cfg.Fraud, index, workers, shares, &pb.MockIntelClient{}, bus)
	detector.SetIntelBreaker(breakers.Intel)
	detector.SetAudit(trail)
	detector.SetMetrics(fraud.NewMetrics(registry))

	engine := consensus.NewEngine(workers)
	engine.SetMetrics(consensus.NewMetrics(registry))

	rep := reputation.NewService(cfg.Reputation, workers, bus)
	rep.SetMetrics(reputation.NewMetrics(registry))
	if cfg.Postgres.DSN != "" {
		ledger, lerr := reputation.NewPostgresLedger(cfg.Postgres.DSN)
		if lerr != nil {
			log.Printf("⚠️ postgres ledger unavailable, points stay in-memory: %v", lerr)
		} else {
			rep.SetLedger(ledger)
		}
	}
	if journal != nil {
		rep.SetJournal(journal)
	}
	decay := reputation.NewDecayScheduler(cfg.Reputation.Decay, workers, workerBackend, bus)

	ranker := matcher.New(cfg.Matching)
	ranker.SetMetrics(matcher.NewMetrics(registry))

	auctions := auction.NewManager(cfg.Auction, cfg.Assignment, auctionStore, emitter)
	auctions.SetScanner(detector)
	auctions.SetMetrics(auction.NewMetrics(registry))

	dist := distributor.New(cfg.Assignment, ranker, auctions, emitter, notifier)
	dist.SetMetrics(distributor.NewMetrics(registry))

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Tasks:       taskStore,
		Submissions: subStore,
		Results:     resultStore,
		DeadLetters: deadStore,
		Activity:    index,
		Fraud:       detector,
		Consensus:   engine,
		Reputation:  rep,
		Workers:     workers,
		Distributor: dist,
		Bus:         emitter,
	})
	orch.SetMetrics(orchestrator.NewMetrics(registry))

	// Re-arm auction close timers lost to the previous process.
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, rerr := auctions.RestoreOpenAuctions(restoreCtx, func(taskID string) (core.TaskType, core.TaskPriority, error) {
		t, gerr := taskStore.GetTask(restoreCtx, taskID)
		if gerr != nil {
			return "", "", gerr
		}
		if t == nil {
			return "", "", core.ErrTaskNotFound
		}
		return t.Type, t.Priority, nil
	})
	restoreCancel()
	if rerr != nil {
		log.Printf("⚠️ auction restore failed: %v", rerr)
	} else if restored > 0 {
		log.Printf("🔄 restored %d open auctions", restored)
	}

	// ------------------------------------------------------------------
	// Submission intake
	// ------------------------------------------------------------------

	queue := orchestrator.NewChannelQueue(submissionQueueSize)
	var dedup orchestrator.DedupStore
	if redis != nil {
		dedup = orchestrator.NewRedisDedup(redis)
	} else {
		dedup = orchestrator.NewMemoryDedup()
	}
	consumer := orchestrator.NewConsumer(orch, queue, dedup, cfg.Orchestrator)
	consumer.Start()

	// ------------------------------------------------------------------
	// HTTP surface
	// ------------------------------------------------------------------

	server := ops.NewServer(cfg, ops.Deps{
		Orchestrator: orch,
		Queue:        queue,
		Workers:      workers,
		Auctions:     auctions,
		Detector:     detector,
		Activity:     index,
		Reputation:   rep,
		Tasks:        taskStore,
		Results:      resultStore,
		DeadLetters:  deadStore,
		Trail:        trail,
		Bus:          bus,
	})
	server.SetMetrics(ops.NewMetrics(registry))

	// Cloud Run sends SIGTERM; drain intake and the pipeline before the
	// listener dies.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("📣 shutdown signal received, draining")

		grace := time.Duration(cfg.Orchestrator.ShutdownGraceSeconds) * time.Second
		if grace <= 0 {
			grace = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		queue.Close()
		consumer.Stop()
		if derr := orch.Shutdown(ctx); derr != nil {
			log.Printf("⚠️ pipeline drain: %v", derr)
		}
		if serr := server.Shutdown(ctx); serr != nil {
			log.Printf("⚠️ http shutdown: %v", serr)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}

	// Listener is down; stop the background machinery.
	tap.Stop()
	auctions.Stop()
	decay.Stop()
	detector.Stop()
	index.Stop()
	workers.Stop()
	if cloudNotifier != nil {
		cloudNotifier.Shutdown() // also drains the fallback dispatcher
	} else {
		dispatcher.Shutdown()
	}
	if psBus != nil {
		psBus.Close()
	}
	if redis != nil {
		redis.Close()
	}
	if journal != nil {
		journal.Close()
	}
	log.Println("👋 verifier stopped")
}

// newTrail builds the audit trail, mirrored to Supabase when configured.
func newTrail(cfg *config.Config) *audit.Trail {
	if cfg.Supabase.URL != "" && cfg.Supabase.Key != "" {
		store, err := audit.NewSupabaseTrailStore(cfg.Supabase.URL, cfg.Supabase.Key)
		if err == nil {
			return audit.NewTrail(store)
		}
		log.Printf("⚠️ audit mirror unavailable, chain is process-local: %v", err)
	}
	return audit.NewTrail(nil)
}
