// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                  string          `mapstructure:"host"`
	Port                  int             `mapstructure:"port"`
	RequestTimeoutSeconds int             `mapstructure:"request_timeout_seconds"`
	RateLimit             RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles API clients when enabled.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	Requests      int  `mapstructure:"requests"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// JobsConfig sizes the job manager's pool, queue, and output location.
type JobsConfig struct {
	MaxConcurrentJobs  int    `mapstructure:"max_concurrent_jobs"`
	MaxRenderInstances int    `mapstructure:"max_render_instances"`
	MaxQueueSize       int    `mapstructure:"max_queue_size"`
	WorkerCount        int    `mapstructure:"worker_count"`
	OutputDir          string `mapstructure:"output_dir"`
}

// FetchConfig governs the plain-HTTP fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	WaitAfterLoadMs   int  `mapstructure:"wait_after_load_ms"`
}

// PolitenessConfig governs robots policy, per-domain pacing, and
// identity rotation.
type PolitenessConfig struct {
	RespectRobots        bool   `mapstructure:"respect_robots"`
	RotateUserAgents     bool   `mapstructure:"rotate_user_agents"`
	DefaultDelayMs       int    `mapstructure:"default_delay_ms"`
	MaxPerDomain         int    `mapstructure:"max_per_domain"`
	RobotsTTLSeconds     int    `mapstructure:"robots_ttl_seconds"`
	RobotsTimeoutSeconds int    `mapstructure:"robots_timeout_seconds"`
	RobotsAgent          string `mapstructure:"robots_agent"`
}

// ResilienceConfig tunes the per-domain circuit breakers.
type ResilienceConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"`
}

// StorageConfig selects and parameterizes the result artifact store.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for terminal job notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig selects zap mode and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUARRY")
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
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window_seconds", 3600)
	v.SetDefault("jobs.max_concurrent_jobs", 5)
	v.SetDefault("jobs.max_render_instances", 3)
	v.SetDefault("jobs.max_queue_size", 100)
	v.SetDefault("jobs.worker_count", 0)
	v.SetDefault("jobs.output_dir", "./scrapes_out")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.user_agent", "quarryd/1.0")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.nav_timeout_seconds", 60)
	v.SetDefault("headless.wait_after_load_ms", 2000)
	v.SetDefault("politeness.respect_robots", true)
	v.SetDefault("politeness.rotate_user_agents", true)
	v.SetDefault("politeness.default_delay_ms", 1000)
	v.SetDefault("politeness.max_per_domain", 2)
	v.SetDefault("politeness.robots_ttl_seconds", 3600)
	v.SetDefault("politeness.robots_timeout_seconds", 10)
	v.SetDefault("politeness.robots_agent", "*")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.recovery_timeout_seconds", 60)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Requests <= 0 {
			return fmt.Errorf("server.rate_limit.requests must be > 0 when rate limiting is enabled")
		}
		if c.Server.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("server.rate_limit.window_seconds must be > 0 when rate limiting is enabled")
		}
	}
	if c.Jobs.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("jobs.max_concurrent_jobs must be > 0")
	}
	if c.Jobs.MaxRenderInstances <= 0 {
		return fmt.Errorf("jobs.max_render_instances must be > 0")
	}
	if c.Jobs.MaxQueueSize <= 0 {
		return fmt.Errorf("jobs.max_queue_size must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Politeness.MaxPerDomain <= 0 {
		return fmt.Errorf("politeness.max_per_domain must be > 0")
	}
	switch c.Storage.Provider {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider must be one of local, gcs, memory")
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.topic must be set when pubsub is enabled")
		}
	}
	return nil
}

// RequestTimeout converts the API timeout into a duration.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Window converts the rate-limit window into a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Timeout converts the fetch budget into a duration.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NavTimeout converts the navigation budget into a duration.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// SettleWait converts the post-load settle delay into a duration.
func (c HeadlessConfig) SettleWait() time.Duration {
	return time.Duration(c.WaitAfterLoadMs) * time.Millisecond
}

// DefaultDelay converts the per-domain pacing gap into a duration.
func (c PolitenessConfig) DefaultDelay() time.Duration {
	return time.Duration(c.DefaultDelayMs) * time.Millisecond
}

// RobotsTTL converts the robots cache lifetime into a duration.
func (c PolitenessConfig) RobotsTTL() time.Duration {
	return time.Duration(c.RobotsTTLSeconds) * time.Second
}

// RobotsTimeout converts the robots fetch budget into a duration.
func (c PolitenessConfig) RobotsTimeout() time.Duration {
	return time.Duration(c.RobotsTimeoutSeconds) * time.Second
}

// RecoveryTimeout converts the breaker recovery window into a duration.
func (c ResilienceConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// Sanitized returns the operational knobs safe to echo over the API.
// Bucket names and project ids stay out of the payload.
func (c Config) Sanitized() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":                    c.Server.Host,
			"port":                    c.Server.Port,
			"request_timeout_seconds": c.Server.RequestTimeoutSeconds,
			"rate_limit_enabled":      c.Server.RateLimit.Enabled,
		},
		"jobs": map[string]any{
			"max_concurrent_jobs":  c.Jobs.MaxConcurrentJobs,
			"max_render_instances": c.Jobs.MaxRenderInstances,
			"max_queue_size":       c.Jobs.MaxQueueSize,
			"worker_count":         c.Jobs.WorkerCount,
			"output_dir":           c.Jobs.OutputDir,
		},
		"fetch": map[string]any{
			"timeout_seconds": c.Fetch.TimeoutSeconds,
			"max_body_bytes":  c.Fetch.MaxBodyBytes,
			"user_agent":      c.Fetch.UserAgent,
		},
		"headless": map[string]any{
			"enabled":             c.Headless.Enabled,
			"nav_timeout_seconds": c.Headless.NavTimeoutSeconds,
			"wait_after_load_ms":  c.Headless.WaitAfterLoadMs,
		},
		"politeness": map[string]any{
			"respect_robots":     c.Politeness.RespectRobots,
			"rotate_user_agents": c.Politeness.RotateUserAgents,
			"default_delay_ms":   c.Politeness.DefaultDelayMs,
			"max_per_domain":     c.Politeness.MaxPerDomain,
			"robots_ttl_seconds": c.Politeness.RobotsTTLSeconds,
		},
		"resilience": map[string]any{
			"failure_threshold":        c.Resilience.FailureThreshold,
			"recovery_timeout_seconds": c.Resilience.RecoveryTimeoutSeconds,
		},
		"storage": map[string]any{
			"provider": c.Storage.Provider,
			"prefix":   c.Storage.Prefix,
		},
		"pubsub": map[string]any{
			"enabled": c.PubSub.Enabled,
		},
		"logging": map[string]any{
			"development": c.Logging.Development,
			"level":       c.Logging.Level,
		},
	}
}
