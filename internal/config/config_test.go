package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8000 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Fatal("rate limiting must default to disabled")
	}
	if cfg.Jobs.MaxConcurrentJobs != 5 || cfg.Jobs.MaxRenderInstances != 3 || cfg.Jobs.MaxQueueSize != 100 {
		t.Fatalf("unexpected jobs defaults: %+v", cfg.Jobs)
	}
	if cfg.Jobs.OutputDir != "./scrapes_out" {
		t.Fatalf("unexpected output dir: %q", cfg.Jobs.OutputDir)
	}
	if cfg.Fetch.MaxBodyBytes != 10*1024*1024 || cfg.Fetch.UserAgent != "quarryd/1.0" {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if !cfg.Headless.Enabled || cfg.Headless.NavTimeout() != 60*time.Second {
		t.Fatalf("unexpected headless defaults: %+v", cfg.Headless)
	}
	if !cfg.Politeness.RespectRobots || cfg.Politeness.DefaultDelay() != time.Second {
		t.Fatalf("unexpected politeness defaults: %+v", cfg.Politeness)
	}
	if cfg.Politeness.RobotsAgent != "*" {
		t.Fatalf("unexpected robots agent: %q", cfg.Politeness.RobotsAgent)
	}
	if cfg.Resilience.FailureThreshold != 5 || cfg.Resilience.RecoveryTimeout() != 60*time.Second {
		t.Fatalf("unexpected resilience defaults: %+v", cfg.Resilience)
	}
	if cfg.Storage.Provider != "local" || cfg.Storage.ContentType != "application/json" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.PubSub.Enabled {
		t.Fatal("pubsub must default to disabled")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  host: 127.0.0.1
  port: 9090
  request_timeout_seconds: 30
  rate_limit:
    enabled: true
    requests: 10
    window_seconds: 60
jobs:
  max_concurrent_jobs: 2
  max_render_instances: 1
  max_queue_size: 20
  worker_count: 4
  output_dir: /tmp/scrapes
fetch:
  timeout_seconds: 45
  user_agent: custom-agent/2.0
headless:
  enabled: false
politeness:
  respect_robots: false
  default_delay_ms: 250
  max_per_domain: 4
resilience:
  failure_threshold: 3
  recovery_timeout_seconds: 10
storage:
  provider: gcs
  gcs_bucket: bucket
  prefix: scrapes
  content_type: text/plain
pubsub:
  enabled: true
  project_id: proj
  topic: scrape-events
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("expected server overrides to apply: %+v", cfg.Server)
	}
	if got := cfg.Server.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	if !cfg.Server.RateLimit.Enabled || cfg.Server.RateLimit.Window() != time.Minute {
		t.Fatalf("expected rate limit overrides to apply: %+v", cfg.Server.RateLimit)
	}
	if cfg.Jobs.MaxConcurrentJobs != 2 || cfg.Jobs.WorkerCount != 4 {
		t.Fatalf("expected jobs overrides to apply: %+v", cfg.Jobs)
	}
	if got := cfg.Fetch.Timeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if cfg.Headless.Enabled {
		t.Fatal("expected headless to be disabled")
	}
	if cfg.Politeness.RespectRobots || cfg.Politeness.DefaultDelay() != 250*time.Millisecond {
		t.Fatalf("expected politeness overrides to apply: %+v", cfg.Politeness)
	}
	if cfg.Storage.Provider != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if !cfg.PubSub.Enabled || cfg.PubSub.Topic != "scrape-events" {
		t.Fatalf("expected pubsub overrides to apply: %+v", cfg.PubSub)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8000},
		Jobs: JobsConfig{
			MaxConcurrentJobs:  5,
			MaxRenderInstances: 3,
			MaxQueueSize:       100,
		},
		Fetch:      FetchConfig{TimeoutSeconds: 30},
		Politeness: PolitenessConfig{MaxPerDomain: 2},
		Storage:    StorageConfig{Provider: "local"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "rate limit missing requests",
			cfg: func() Config {
				c := base
				c.Server.RateLimit = RateLimitConfig{Enabled: true, WindowSeconds: 60}
				return c
			}(),
			want: "rate_limit.requests",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Jobs.MaxConcurrentJobs = 0
				return c
			}(),
			want: "jobs.max_concurrent_jobs",
		},
		{
			name: "invalid queue size",
			cfg: func() Config {
				c := base
				c.Jobs.MaxQueueSize = 0
				return c
			}(),
			want: "jobs.max_queue_size",
		},
		{
			name: "invalid fetch timeout",
			cfg: func() Config {
				c := base
				c.Fetch.TimeoutSeconds = 0
				return c
			}(),
			want: "fetch.timeout_seconds",
		},
		{
			name: "unknown storage provider",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "s3"
				return c
			}(),
			want: "storage.provider",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "pubsub missing topic",
			cfg: func() Config {
				c := base
				c.PubSub = PubSubConfig{Enabled: true, ProjectID: "proj"}
				return c
			}(),
			want: "pubsub.topic",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSanitizedOmitsCloudIdentifiers(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Storage.GCSBucket = "private-bucket"
	cfg.PubSub.ProjectID = "private-project"
	cfg.PubSub.Topic = "private-topic"

	out := cfg.Sanitized()
	storage, ok := out["storage"].(map[string]any)
	if !ok {
		t.Fatalf("expected storage section, got %T", out["storage"])
	}
	if _, leaked := storage["gcs_bucket"]; leaked {
		t.Fatal("bucket name must not be echoed")
	}
	pubsub, ok := out["pubsub"].(map[string]any)
	if !ok {
		t.Fatalf("expected pubsub section, got %T", out["pubsub"])
	}
	if _, leaked := pubsub["project_id"]; leaked {
		t.Fatal("project id must not be echoed")
	}
	if _, leaked := pubsub["topic"]; leaked {
		t.Fatal("topic name must not be echoed")
	}
}
