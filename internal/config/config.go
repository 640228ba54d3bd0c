// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Backend names accepted by the storage, queue and fleet sections.
const (
	BackendGCS     = "gcs"
	BackendLocal   = "local"
	BackendMemory  = "memory"
	BackendPubSub  = "pubsub"
	BackendCompute = "compute"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Results   ResultsConfig   `mapstructure:"results"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig roots the filesystem store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PipelineConfig names the objects a run reads and writes.
type PipelineConfig struct {
	InputPrefix      string `mapstructure:"input_prefix"`
	InputSuffix      string `mapstructure:"input_suffix"`
	ChunkPrefix      string `mapstructure:"chunk_prefix"`
	ChunkSuffix      string `mapstructure:"chunk_suffix"`
	ResultPrefix     string `mapstructure:"result_prefix"`
	ResultSuffix     string `mapstructure:"result_suffix"`
	ChunkCount       int    `mapstructure:"chunk_count"`
	SplitConcurrency int    `mapstructure:"split_concurrency"`
}

// Layout converts the pipeline section into a fanout.Layout.
func (p PipelineConfig) Layout() fanout.Layout {
	return fanout.Layout{
		InputPrefix:  p.InputPrefix,
		InputSuffix:  p.InputSuffix,
		ChunkPrefix:  p.ChunkPrefix,
		ChunkSuffix:  p.ChunkSuffix,
		ResultPrefix: p.ResultPrefix,
		ResultSuffix: p.ResultSuffix,
	}
}

// QueueConfig selects the work queue.
type QueueConfig struct {
	Backend        string `mapstructure:"backend"`
	MemoryCapacity int    `mapstructure:"memory_capacity"`
}

// PubSubConfig holds topic and subscription names.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	WorkTopic          string `mapstructure:"work_topic"`
	WorkSubscription   string `mapstructure:"work_subscription"`
	SignalTopic        string `mapstructure:"signal_topic"`
	SplitTopic         string `mapstructure:"split_topic"`
	AckDeadlineSeconds int    `mapstructure:"ack_deadline_seconds"`
	MaxOutstanding     int    `mapstructure:"max_outstanding"`
}

// FleetConfig describes the worker fleet.
type FleetConfig struct {
	Backend   string `mapstructure:"backend"`
	Name      string `mapstructure:"name"`
	Template  string `mapstructure:"template"`
	ProjectID string `mapstructure:"project_id"`
	Zone      string `mapstructure:"zone"`
}

// ScrapeConfig tunes homepage fetching and extraction. A HostRPS of zero
// disables per-host pacing.
type ScrapeConfig struct {
	UserAgent          string         `mapstructure:"user_agent"`
	Timeout            time.Duration  `mapstructure:"timeout"`
	RobotsTimeout      time.Duration  `mapstructure:"robots_timeout"`
	RespectRobots      bool           `mapstructure:"respect_robots"`
	Concurrency        int            `mapstructure:"concurrency"`
	MaxParagraphs      int            `mapstructure:"max_paragraphs"`
	MinParagraphLength int            `mapstructure:"min_paragraph_length"`
	MaxNavLinks        int            `mapstructure:"max_nav_links"`
	HostRPS            float64        `mapstructure:"host_rps"`
	HostBurst          int            `mapstructure:"host_burst"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp fallback fetcher.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	MaxParallel int           `mapstructure:"max_parallel"`
	// Promote re-renders pages that look client-rendered even when the plain
	// fetch succeeded.
	Promote          bool `mapstructure:"promote"`
	PromoteThreshold int  `mapstructure:"promote_threshold"`
}

// WorkerConfig controls the embedded worker loop of the serve command.
type WorkerConfig struct {
	Embedded bool `mapstructure:"embedded"`
}

// ResultsConfig configures the optional Postgres row mirror.
type ResultsConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the Postgres pool. An empty DSN disables the mirror.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DedupeConfig configures the optional Redis notification deduper.
type DedupeConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds connection settings. An empty Addr disables dedupe.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.backend", BackendGCS)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("pipeline.input_prefix", "inputs/urls/")
	v.SetDefault("pipeline.input_suffix", ".txt")
	v.SetDefault("pipeline.chunk_prefix", "inputs/chunks/")
	v.SetDefault("pipeline.chunk_suffix", ".txt")
	v.SetDefault("pipeline.result_prefix", "outputs/")
	v.SetDefault("pipeline.result_suffix", ".csv")
	v.SetDefault("pipeline.chunk_count", 10)
	v.SetDefault("pipeline.split_concurrency", 4)
	v.SetDefault("queue.backend", BackendPubSub)
	v.SetDefault("queue.memory_capacity", 1024)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.work_topic", "fanout-work")
	v.SetDefault("pubsub.work_subscription", "fanout-work-sub")
	v.SetDefault("pubsub.signal_topic", "fanout-launch")
	v.SetDefault("pubsub.split_topic", "")
	v.SetDefault("pubsub.ack_deadline_seconds", 600)
	v.SetDefault("pubsub.max_outstanding", 1)
	v.SetDefault("fleet.backend", BackendCompute)
	v.SetDefault("fleet.name", "site-summary-workers")
	v.SetDefault("fleet.template", "site-summary-worker")
	v.SetDefault("fleet.project_id", "")
	v.SetDefault("fleet.zone", "")
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (compatible; RespectfulScraper/1.0)")
	v.SetDefault("scrape.timeout", "10s")
	v.SetDefault("scrape.robots_timeout", "5s")
	v.SetDefault("scrape.respect_robots", true)
	v.SetDefault("scrape.concurrency", 4)
	v.SetDefault("scrape.max_paragraphs", 20)
	v.SetDefault("scrape.min_paragraph_length", 20)
	v.SetDefault("scrape.max_nav_links", 10)
	v.SetDefault("scrape.headless.enabled", false)
	v.SetDefault("scrape.headless.nav_timeout", "20s")
	v.SetDefault("scrape.headless.max_parallel", 1)
	v.SetDefault("scrape.headless.promote", true)
	v.SetDefault("scrape.headless.promote_threshold", 2048)
	v.SetDefault("scrape.host_rps", 2.0)
	v.SetDefault("scrape.host_burst", 2)
	v.SetDefault("worker.embedded", false)
	v.SetDefault("results.postgres.dsn", "")
	v.SetDefault("results.postgres.table", "site_summaries")
	v.SetDefault("results.postgres.max_conns", 4)
	v.SetDefault("dedupe.redis.addr", "")
	v.SetDefault("dedupe.redis.password", "")
	v.SetDefault("dedupe.redis.db", 0)
	v.SetDefault("dedupe.redis.ttl", "24h")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "site-summary-fanout")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Backend {
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of gcs, local, memory", c.Storage.Backend)
	}
	if c.Pipeline.ChunkCount <= 0 {
		return fmt.Errorf("pipeline.chunk_count must be > 0")
	}
	if c.Pipeline.SplitConcurrency <= 0 {
		return fmt.Errorf("pipeline.split_concurrency must be > 0")
	}
	if c.Pipeline.ChunkPrefix == "" || c.Pipeline.ResultPrefix == "" || c.Pipeline.InputPrefix == "" {
		return fmt.Errorf("pipeline prefixes must be set")
	}
	if c.Pipeline.ChunkPrefix == c.Pipeline.InputPrefix {
		return fmt.Errorf("pipeline.chunk_prefix must differ from pipeline.input_prefix")
	}
	switch c.Queue.Backend {
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set for the pubsub queue")
		}
		if c.PubSub.WorkTopic == "" || c.PubSub.WorkSubscription == "" {
			return fmt.Errorf("pubsub.work_topic and pubsub.work_subscription must be set")
		}
	case BackendMemory:
		if c.Queue.MemoryCapacity <= 0 {
			return fmt.Errorf("queue.memory_capacity must be > 0")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of pubsub, memory", c.Queue.Backend)
	}
	switch c.Fleet.Backend {
	case BackendCompute:
		if c.Fleet.ProjectID == "" || c.Fleet.Zone == "" {
			return fmt.Errorf("fleet.project_id and fleet.zone must be set for the compute backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("fleet.backend %q is not one of compute, memory", c.Fleet.Backend)
	}
	if c.Fleet.Name == "" {
		return fmt.Errorf("fleet.name must be set")
	}
	if c.Scrape.Timeout <= 0 {
		return fmt.Errorf("scrape.timeout must be > 0")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be > 0")
	}
	if c.Scrape.HostRPS < 0 {
		return fmt.Errorf("scrape.host_rps must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Scrape.Headless.Enabled && c.Scrape.Headless.MaxParallel <= 0 {
		return fmt.Errorf("scrape.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.PubSub.SplitTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.split_topic is used")
	}
	return nil
}
