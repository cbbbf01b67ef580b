// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Mirrors   MirrorsConfig   `mapstructure:"mirrors"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	BlobStore BlobStoreConfig `mapstructure:"blobstore"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// MirrorsConfig sets where mirrored content lands on disk.
type MirrorsConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ToolsConfig names the external tool binaries.
type ToolsConfig struct {
	Wget    string `mapstructure:"wget"`
	Ytdlp   string `mapstructure:"ytdlp"`
	Capture string `mapstructure:"capture"`
}

// RunnerConfig governs subprocess supervision.
type RunnerConfig struct {
	StallTimeoutSeconds int `mapstructure:"stall_timeout_seconds"`
	GracePeriodSeconds  int `mapstructure:"grace_period_seconds"`
}

// TimeoutsConfig tunes the per-job wall-clock budgets.
type TimeoutsConfig struct {
	ShortBudgetMinutes int      `mapstructure:"short_budget_minutes"`
	LongBudgetMinutes  int      `mapstructure:"long_budget_minutes"`
	VideoMultiplier    int      `mapstructure:"video_multiplier"`
	SnapshotMinutes    int      `mapstructure:"snapshot_minutes"`
	LargeSizeMB        int      `mapstructure:"large_size_mb"`
	LargeDomains       []string `mapstructure:"large_domains"`
}

// RetryConfig tunes the backoff state machine.
type RetryConfig struct {
	MaxAttempts          int   `mapstructure:"max_attempts"`
	BackoffLadderMinutes []int `mapstructure:"backoff_ladder_minutes"`
}

// RegistryConfig controls access to the job registry database. An
// empty DSN selects the in-memory registry for development.
type RegistryConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// SchedulerConfig controls the periodic crawl triggers.
type SchedulerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DueSpec         string `mapstructure:"due_spec"`
	RetrySpec       string `mapstructure:"retry_spec"`
	StuckSpec       string `mapstructure:"stuck_spec"`
	RetryBatch      int    `mapstructure:"retry_batch"`
	StuckAfterHours int    `mapstructure:"stuck_after_hours"`
}

// BlobStoreConfig selects the artifact store backend.
type BlobStoreConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalPath string `mapstructure:"local_path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SnapshotConfig toggles post-success mirror screenshots.
type SnapshotConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPECULUM")
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
	v.SetDefault("mirrors.base_path", "/mirrors")
	v.SetDefault("tools.wget", "wget")
	v.SetDefault("tools.ytdlp", "yt-dlp")
	v.SetDefault("tools.capture", "page-capture")
	v.SetDefault("runner.stall_timeout_seconds", 300)
	v.SetDefault("runner.grace_period_seconds", 5)
	v.SetDefault("timeouts.short_budget_minutes", 60)
	v.SetDefault("timeouts.long_budget_minutes", 240)
	v.SetDefault("timeouts.video_multiplier", 3)
	v.SetDefault("timeouts.snapshot_minutes", 5)
	v.SetDefault("timeouts.large_size_mb", 100)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_ladder_minutes", []int{5, 15, 45})
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.due_spec", "@hourly")
	v.SetDefault("scheduler.retry_spec", "@every 5m")
	v.SetDefault("scheduler.stuck_spec", "@every 30m")
	v.SetDefault("scheduler.retry_batch", 10)
	v.SetDefault("scheduler.stuck_after_hours", 6)
	v.SetDefault("blobstore.provider", "local")
	v.SetDefault("blobstore.local_path", "/mirrors/.artifacts")
	v.SetDefault("blobstore.prefix", "speculum")
	v.SetDefault("pubsub.topic_name", "crawl.completed")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Mirrors.BasePath == "" {
		return fmt.Errorf("mirrors.base_path is required")
	}
	if c.Tools.Wget == "" || c.Tools.Ytdlp == "" {
		return fmt.Errorf("tools.wget and tools.ytdlp are required")
	}
	if c.Runner.StallTimeoutSeconds <= 0 {
		return fmt.Errorf("runner.stall_timeout_seconds must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if len(c.Retry.BackoffLadderMinutes) == 0 {
		return fmt.Errorf("retry.backoff_ladder_minutes must not be empty")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	switch c.BlobStore.Provider {
	case "", "local", "gcs", "memory":
	default:
		return fmt.Errorf("blobstore.provider must be local, gcs, or memory")
	}
	if c.BlobStore.Provider == "gcs" && c.BlobStore.GCSBucket == "" {
		return fmt.Errorf("blobstore.gcs_bucket must be set for the gcs provider")
	}
	return nil
}

// StallTimeout returns the runner stall budget as a duration.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.Runner.StallTimeoutSeconds) * time.Second
}

// GracePeriod returns the terminate-to-kill grace window.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Runner.GracePeriodSeconds) * time.Second
}

// BackoffLadder converts the configured ladder into durations.
func (c Config) BackoffLadder() []time.Duration {
	ladder := make([]time.Duration, 0, len(c.Retry.BackoffLadderMinutes))
	for _, m := range c.Retry.BackoffLadderMinutes {
		ladder = append(ladder, time.Duration(m)*time.Minute)
	}
	return ladder
}

// StuckAfter returns the stuck-crawl reconciliation threshold.
func (c Config) StuckAfter() time.Duration {
	return time.Duration(c.Scheduler.StuckAfterHours) * time.Hour
}
