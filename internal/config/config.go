package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Fraud         FraudConfig         `yaml:"fraud"`
	WorkerStore   WorkerStoreConfig   `yaml:"worker_store"`
	Activity      ActivityConfig      `yaml:"activity"`
	Matching      MatchingConfig      `yaml:"matching"`
	Auction       AuctionConfig       `yaml:"auction"`
	Assignment    AssignmentConfig    `yaml:"assignment"`
	Reputation    ReputationConfig    `yaml:"reputation"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Redis         RedisConfig         `yaml:"redis"`
	Supabase      SupabaseConfig      `yaml:"supabase"`
	Spanner       SpannerConfig       `yaml:"spanner"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	CloudTasks    CloudTasksConfig    `yaml:"cloud_tasks"`
	Admin         AdminConfig         `yaml:"admin"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// FraudConfig carries the detection dials. Weights are renormalized at
// detector construction when overridden.
type FraudConfig struct {
	TimeWindowMinutes        int          `yaml:"time_window_minutes"`
	MaxTasksPerHour          float64      `yaml:"max_tasks_per_hour"`
	MinProcessingTimeMs      int64        `yaml:"min_processing_time_ms"`
	MaxSimilarityScore       float64      `yaml:"max_similarity_score"`
	MaxIPTaskCount           int          `yaml:"max_ip_task_count"`
	DeviceFingerprintTTLHrs  int          `yaml:"device_fingerprint_ttl_hours"`
	Weights                  FraudWeights `yaml:"weights"`
	MemoTTLMinutes           int          `yaml:"memo_ttl_minutes"`
	ProviderTimeoutMs        int          `yaml:"provider_timeout_ms"`
}

type FraudWeights struct {
	Time    float64 `yaml:"time"`
	Pattern float64 `yaml:"pattern"`
	Network float64 `yaml:"network"`
	Content float64 `yaml:"content"`
}

type WorkerStoreConfig struct {
	ProfileTTLMinutes  int `yaml:"profile_ttl_minutes"`
	ActivityTTLMinutes int `yaml:"activity_ttl_minutes"`
	CacheCapacity      int `yaml:"cache_capacity"`
}

type ActivityConfig struct {
	WindowMinutes     int `yaml:"window_minutes"`
	RetentionHours    int `yaml:"retention_hours"`
	GCIntervalMinutes int `yaml:"gc_interval_minutes"`
}

// MatchWeights is one row of the matcher's strategy table. Six sub-scores.
type MatchWeights struct {
	Skill        float64 `yaml:"skill"`
	Reputation   float64 `yaml:"reputation"`
	Availability float64 `yaml:"availability"`
	TaskHistory  float64 `yaml:"task_history"`
	Performance  float64 `yaml:"performance"`
	LoadBalance  float64 `yaml:"load_balance"`
}

type MatchingConfig struct {
	Balanced           MatchWeights `yaml:"balanced"`
	SkillFocused       MatchWeights `yaml:"skill_focused"`
	ReputationFocused  MatchWeights `yaml:"reputation_focused"`
	PerformanceFocused MatchWeights `yaml:"performance_focused"`
	BaseReputation     float64      `yaml:"base_reputation"`
}

type AuctionConfig struct {
	WindowHighMinutes   int     `yaml:"window_high_minutes"`
	WindowMediumMinutes int     `yaml:"window_medium_minutes"`
	WindowLowMinutes    int     `yaml:"window_low_minutes"`
	RequiredWinners     int     `yaml:"required_winners"`
	CloseRiskThreshold  float64 `yaml:"close_risk_threshold"`
}

type AssignmentConfig struct {
	ExpiryHighMinutes   int `yaml:"expiry_high_minutes"`
	ExpiryMediumMinutes int `yaml:"expiry_medium_minutes"`
	ExpiryLowMinutes    int `yaml:"expiry_low_minutes"`
}

type ReputationConfig struct {
	IntermediatePoints float64     `yaml:"intermediate_points"`
	AdvancedPoints     float64     `yaml:"advanced_points"`
	ExpertPoints       float64     `yaml:"expert_points"`
	Decay              DecayConfig `yaml:"decay"`
}

type DecayConfig struct {
	Enabled       bool    `yaml:"enabled"`
	IdleDays      int     `yaml:"idle_days"`
	Rate          float64 `yaml:"rate"`  // fraction of score removed per sweep
	Floor         float64 `yaml:"floor"` // score never decays below this
	IntervalHours int     `yaml:"interval_hours"`
}

type OrchestratorConfig struct {
	RetryBaseMs          int `yaml:"retry_base_ms"`
	RetryFactor          int `yaml:"retry_factor"`
	RetryMaxAttempts     int `yaml:"retry_max_attempts"`
	QueueWorkers         int `yaml:"queue_workers"`
	DedupTTLMinutes      int `yaml:"dedup_ttl_minutes"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
	// ForceAuction routes every new task through auction distribution
	// regardless of eligible-worker supply.
	ForceAuction bool `yaml:"force_auction"`
}

type NotificationsConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	Endpoint  string `yaml:"endpoint"` // webhook target for the local dispatcher
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SupabaseConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type SpannerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"` // projects/<p>/instances/<i>/databases/<d>
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	TargetURL  string `yaml:"target_url"`
}

type AdminConfig struct {
	// bcrypt hash of the admin API key; empty disables admin routes
	APIKeyHash string `yaml:"api_key_hash"`
}

// Default returns the configuration with every dial at its documented
// default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development", CORSAllowOrigins: []string{"*"}},
		Fraud: FraudConfig{
			TimeWindowMinutes:       60,
			MaxTasksPerHour:         100,
			MinProcessingTimeMs:     3000,
			MaxSimilarityScore:      0.95,
			MaxIPTaskCount:          5,
			DeviceFingerprintTTLHrs: 24,
			Weights:                 FraudWeights{Time: 0.25, Pattern: 0.30, Network: 0.20, Content: 0.20},
			MemoTTLMinutes:          60,
			ProviderTimeoutMs:       2000,
		},
		WorkerStore: WorkerStoreConfig{
			ProfileTTLMinutes:  10,
			ActivityTTLMinutes: 5,
			CacheCapacity:      10000,
		},
		Activity: ActivityConfig{
			WindowMinutes:     60,
			RetentionHours:    24,
			GCIntervalMinutes: 10,
		},
		Matching: MatchingConfig{
			Balanced:           MatchWeights{Skill: 0.30, Reputation: 0.20, Availability: 0.15, TaskHistory: 0.15, Performance: 0.15, LoadBalance: 0.05},
			SkillFocused:       MatchWeights{Skill: 0.50, Reputation: 0.15, Availability: 0.10, TaskHistory: 0.03, Performance: 0.20, LoadBalance: 0.02},
			ReputationFocused:  MatchWeights{Skill: 0.20, Reputation: 0.50, Availability: 0.10, TaskHistory: 0.03, Performance: 0.15, LoadBalance: 0.02},
			PerformanceFocused: MatchWeights{Skill: 0.25, Reputation: 0.15, Availability: 0.15, TaskHistory: 0.03, Performance: 0.40, LoadBalance: 0.02},
			BaseReputation:     0.7,
		},
		Auction: AuctionConfig{
			WindowHighMinutes:   2,
			WindowMediumMinutes: 5,
			WindowLowMinutes:    10,
			RequiredWinners:     3,
			CloseRiskThreshold:  0.7,
		},
		Assignment: AssignmentConfig{
			ExpiryHighMinutes:   5,
			ExpiryMediumMinutes: 15,
			ExpiryLowMinutes:    30,
		},
		Reputation: ReputationConfig{
			IntermediatePoints: 100,
			AdvancedPoints:     250,
			ExpertPoints:       500,
			Decay: DecayConfig{
				Enabled:       false,
				IdleDays:      14,
				Rate:          0.05,
				Floor:         10,
				IntervalHours: 24,
			},
		},
		Orchestrator: OrchestratorConfig{
			RetryBaseMs:          1000,
			RetryFactor:          2,
			RetryMaxAttempts:     3,
			QueueWorkers:         8,
			DedupTTLMinutes:      120,
			ShutdownGraceSeconds: 30,
		},
		Notifications: NotificationsConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// LoadConfig reads a YAML file and overlays it on the defaults. A missing
// path returns the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// normalize backfills zero values a partial YAML file left behind.
func (c *Config) normalize() {
	d := Default()
	if c.Fraud.TimeWindowMinutes <= 0 {
		c.Fraud.TimeWindowMinutes = d.Fraud.TimeWindowMinutes
	}
	if c.Fraud.MaxTasksPerHour <= 0 {
		c.Fraud.MaxTasksPerHour = d.Fraud.MaxTasksPerHour
	}
	if c.Fraud.MinProcessingTimeMs <= 0 {
		c.Fraud.MinProcessingTimeMs = d.Fraud.MinProcessingTimeMs
	}
	if c.Fraud.MaxSimilarityScore <= 0 {
		c.Fraud.MaxSimilarityScore = d.Fraud.MaxSimilarityScore
	}
	if c.Fraud.MaxIPTaskCount <= 0 {
		c.Fraud.MaxIPTaskCount = d.Fraud.MaxIPTaskCount
	}
	if c.Fraud.DeviceFingerprintTTLHrs <= 0 {
		c.Fraud.DeviceFingerprintTTLHrs = d.Fraud.DeviceFingerprintTTLHrs
	}
	if c.Fraud.Weights == (FraudWeights{}) {
		c.Fraud.Weights = d.Fraud.Weights
	}
	if c.Fraud.MemoTTLMinutes <= 0 {
		c.Fraud.MemoTTLMinutes = d.Fraud.MemoTTLMinutes
	}
	if c.Fraud.ProviderTimeoutMs <= 0 {
		c.Fraud.ProviderTimeoutMs = d.Fraud.ProviderTimeoutMs
	}
	if c.WorkerStore.ProfileTTLMinutes <= 0 {
		c.WorkerStore.ProfileTTLMinutes = d.WorkerStore.ProfileTTLMinutes
	}
	if c.WorkerStore.ActivityTTLMinutes <= 0 {
		c.WorkerStore.ActivityTTLMinutes = d.WorkerStore.ActivityTTLMinutes
	}
	if c.WorkerStore.CacheCapacity <= 0 {
		c.WorkerStore.CacheCapacity = d.WorkerStore.CacheCapacity
	}
	if c.Activity.WindowMinutes <= 0 {
		c.Activity.WindowMinutes = d.Activity.WindowMinutes
	}
	if c.Activity.RetentionHours <= 0 {
		c.Activity.RetentionHours = d.Activity.RetentionHours
	}
	if c.Activity.GCIntervalMinutes <= 0 {
		c.Activity.GCIntervalMinutes = d.Activity.GCIntervalMinutes
	}
	if c.Matching.Balanced == (MatchWeights{}) {
		c.Matching.Balanced = d.Matching.Balanced
	}
	if c.Matching.SkillFocused == (MatchWeights{}) {
		c.Matching.SkillFocused = d.Matching.SkillFocused
	}
	if c.Matching.ReputationFocused == (MatchWeights{}) {
		c.Matching.ReputationFocused = d.Matching.ReputationFocused
	}
	if c.Matching.PerformanceFocused == (MatchWeights{}) {
		c.Matching.PerformanceFocused = d.Matching.PerformanceFocused
	}
	if c.Matching.BaseReputation <= 0 {
		c.Matching.BaseReputation = d.Matching.BaseReputation
	}
	if c.Auction.WindowHighMinutes <= 0 {
		c.Auction.WindowHighMinutes = d.Auction.WindowHighMinutes
	}
	if c.Auction.WindowMediumMinutes <= 0 {
		c.Auction.WindowMediumMinutes = d.Auction.WindowMediumMinutes
	}
	if c.Auction.WindowLowMinutes <= 0 {
		c.Auction.WindowLowMinutes = d.Auction.WindowLowMinutes
	}
	if c.Auction.RequiredWinners <= 0 {
		c.Auction.RequiredWinners = d.Auction.RequiredWinners
	}
	if c.Auction.CloseRiskThreshold <= 0 {
		c.Auction.CloseRiskThreshold = d.Auction.CloseRiskThreshold
	}
	if c.Assignment.ExpiryHighMinutes <= 0 {
		c.Assignment.ExpiryHighMinutes = d.Assignment.ExpiryHighMinutes
	}
	if c.Assignment.ExpiryMediumMinutes <= 0 {
		c.Assignment.ExpiryMediumMinutes = d.Assignment.ExpiryMediumMinutes
	}
	if c.Assignment.ExpiryLowMinutes <= 0 {
		c.Assignment.ExpiryLowMinutes = d.Assignment.ExpiryLowMinutes
	}
	if c.Reputation.IntermediatePoints <= 0 {
		c.Reputation.IntermediatePoints = d.Reputation.IntermediatePoints
	}
	if c.Reputation.AdvancedPoints <= 0 {
		c.Reputation.AdvancedPoints = d.Reputation.AdvancedPoints
	}
	if c.Reputation.ExpertPoints <= 0 {
		c.Reputation.ExpertPoints = d.Reputation.ExpertPoints
	}
	if c.Orchestrator.RetryBaseMs <= 0 {
		c.Orchestrator.RetryBaseMs = d.Orchestrator.RetryBaseMs
	}
	if c.Orchestrator.RetryFactor <= 0 {
		c.Orchestrator.RetryFactor = d.Orchestrator.RetryFactor
	}
	if c.Orchestrator.RetryMaxAttempts <= 0 {
		c.Orchestrator.RetryMaxAttempts = d.Orchestrator.RetryMaxAttempts
	}
	if c.Orchestrator.QueueWorkers <= 0 {
		c.Orchestrator.QueueWorkers = d.Orchestrator.QueueWorkers
	}
	if c.Orchestrator.DedupTTLMinutes <= 0 {
		c.Orchestrator.DedupTTLMinutes = d.Orchestrator.DedupTTLMinutes
	}
	if c.Orchestrator.ShutdownGraceSeconds <= 0 {
		c.Orchestrator.ShutdownGraceSeconds = d.Orchestrator.ShutdownGraceSeconds
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = d.Notifications.Workers
	}
	if c.Notifications.QueueSize <= 0 {
		c.Notifications.QueueSize = d.Notifications.QueueSize
	}
	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = d.Server.CORSAllowOrigins
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = d.Redis.Addr
	}
}
