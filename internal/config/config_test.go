package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: true
  level: debug
storage:
  backend: local
  local:
    base_dir: /tmp/fanout
pipeline:
  chunk_count: 12
  result_prefix: outputs/
queue:
  backend: memory
  memory_capacity: 32
fleet:
  backend: memory
  name: workers
scrape:
  timeout: 3s
  respect_robots: false
  host_rps: 0.5
  headless:
    enabled: true
    max_parallel: 2
worker:
  embedded: true
dedupe:
  redis:
    addr: localhost:6379
    ttl: 1h
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.Storage.Local.BaseDir != "/tmp/fanout" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Pipeline.ChunkCount != 12 {
		t.Fatalf("expected chunk count 12, got %d", cfg.Pipeline.ChunkCount)
	}
	layout := cfg.Pipeline.Layout()
	if layout.ResultPrefix != "outputs/" || layout.InputPrefix != "inputs/urls/" {
		t.Fatalf("unexpected layout: %+v", layout)
	}
	if cfg.Scrape.Timeout != 3*time.Second || cfg.Scrape.RespectRobots {
		t.Fatalf("unexpected scrape config: %+v", cfg.Scrape)
	}
	if cfg.Scrape.RobotsTimeout != 5*time.Second {
		t.Fatalf("expected default robots timeout, got %v", cfg.Scrape.RobotsTimeout)
	}
	if !cfg.Scrape.Headless.Enabled || cfg.Scrape.Headless.MaxParallel != 2 {
		t.Fatalf("unexpected headless config: %+v", cfg.Scrape.Headless)
	}
	if cfg.Scrape.HostRPS != 0.5 || cfg.Scrape.HostBurst != 2 {
		t.Fatalf("unexpected pacing config: %+v", cfg.Scrape)
	}
	if !cfg.Scrape.Headless.Promote || cfg.Scrape.Headless.PromoteThreshold != 2048 {
		t.Fatalf("unexpected promotion defaults: %+v", cfg.Scrape.Headless)
	}
	if cfg.Telemetry.Tracing || cfg.Telemetry.ServiceName != "site-summary-fanout" {
		t.Fatalf("unexpected telemetry defaults: %+v", cfg.Telemetry)
	}
	if !cfg.Worker.Embedded {
		t.Fatalf("expected embedded worker")
	}
	if cfg.Dedupe.Redis.Addr != "localhost:6379" || cfg.Dedupe.Redis.TTL != time.Hour {
		t.Fatalf("unexpected dedupe config: %+v", cfg.Dedupe.Redis)
	}
}

func TestLoadDefaultsRequireCloudSettings(t *testing.T) {
	t.Parallel()

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected validation error for default gcs backend without bucket")
	}
	if !strings.Contains(err.Error(), "storage.bucket") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:  ServerConfig{Port: 8080},
			Storage: StorageConfig{Backend: BackendGCS, Bucket: "b"},
			Pipeline: PipelineConfig{
				InputPrefix:      "inputs/urls/",
				ChunkPrefix:      "inputs/chunks/",
				ResultPrefix:     "outputs/",
				ChunkCount:       10,
				SplitConcurrency: 4,
			},
			Queue:  QueueConfig{Backend: BackendPubSub},
			PubSub: PubSubConfig{ProjectID: "p", WorkTopic: "w", WorkSubscription: "s"},
			Fleet:  FleetConfig{Backend: BackendCompute, Name: "f", ProjectID: "p", Zone: "z"},
			Scrape: ScrapeConfig{Timeout: time.Second, Concurrency: 1},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"port":            func(c *Config) { c.Server.Port = 0 },
		"storage backend": func(c *Config) { c.Storage.Backend = "s3" },
		"bucket":          func(c *Config) { c.Storage.Bucket = "" },
		"chunk count":     func(c *Config) { c.Pipeline.ChunkCount = 0 },
		"same prefixes":   func(c *Config) { c.Pipeline.ChunkPrefix = c.Pipeline.InputPrefix },
		"queue backend":   func(c *Config) { c.Queue.Backend = "sqs" },
		"project":         func(c *Config) { c.PubSub.ProjectID = "" },
		"memory capacity": func(c *Config) { c.Queue = QueueConfig{Backend: BackendMemory} },
		"fleet backend":   func(c *Config) { c.Fleet.Backend = "ecs" },
		"zone":            func(c *Config) { c.Fleet.Zone = "" },
		"fleet name":      func(c *Config) { c.Fleet.Name = "" },
		"timeout":         func(c *Config) { c.Scrape.Timeout = 0 },
		"headless":        func(c *Config) { c.Scrape.Headless = HeadlessConfig{Enabled: true} },
		"host rps":        func(c *Config) { c.Scrape.HostRPS = -1 },
		"sample ratio":    func(c *Config) { c.Telemetry.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		cfg := valid()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FANOUT_STORAGE_BACKEND", "memory")
	t.Setenv("FANOUT_QUEUE_BACKEND", "memory")
	t.Setenv("FANOUT_FLEET_BACKEND", "memory")
	t.Setenv("FANOUT_PIPELINE_CHUNK_COUNT", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != BackendMemory || cfg.Pipeline.ChunkCount != 7 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}
