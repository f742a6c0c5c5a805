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
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Checks   ChecksConfig   `mapstructure:"checks"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Source   SourceConfig   `mapstructure:"source"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
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

// DBConfig controls access to the relational database. An empty DSN runs
// the service against the in-memory store.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// QueuesConfig sizes the three worker pools.
type QueuesConfig struct {
	Run  int `mapstructure:"run"`
	Fast int `mapstructure:"fast"`
	Slow int `mapstructure:"slow"`
}

// ProbeConfig governs the Phase-1 reachability probe.
type ProbeConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FetchConfig governs the Phase-2 page fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// ChecksConfig bounds the heavy checks.
type ChecksConfig struct {
	TimeoutSeconds     int `mapstructure:"timeout_seconds"`
	LinkConcurrency    int `mapstructure:"link_concurrency"`
	LinkTimeoutSeconds int `mapstructure:"link_timeout_seconds"`
}

// HeadlessConfig configures the screenshot browser pool.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
}

// StorageConfig sets where screenshots land. A bucket selects GCS,
// otherwise LocalDir is used.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// SourceConfig points at the migration dashboard export endpoint.
type SourceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the SSE broadcaster.
type EventsConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEPARITY")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("queues.run", 1)
	v.SetDefault("queues.fast", 15)
	v.SetDefault("queues.slow", 2)
	v.SetDefault("probe.timeout_seconds", 10)
	v.SetDefault("probe.user_agent", "pageparity/1.0")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "pageparity/1.0")
	v.SetDefault("checks.timeout_seconds", 90)
	v.SetDefault("checks.link_concurrency", 8)
	v.SetDefault("checks.link_timeout_seconds", 10)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("storage.local_dir", "data/screenshots")
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("events.heartbeat_seconds", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queues.Run <= 0 || c.Queues.Fast <= 0 || c.Queues.Slow <= 0 {
		return fmt.Errorf("queue concurrencies must be > 0")
	}
	if c.Probe.TimeoutSeconds <= 0 {
		return fmt.Errorf("probe.timeout_seconds must be > 0")
	}
	if c.Checks.TimeoutSeconds <= 0 {
		return fmt.Errorf("checks.timeout_seconds must be > 0")
	}
	if c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Storage.GCSBucket == "" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when no gcs bucket is configured")
	}
	return nil
}

// ProbeTimeout returns the probe timeout as a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// FetchTimeout returns the fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// CheckTimeout returns the per-check timeout as a duration.
func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.Checks.TimeoutSeconds) * time.Second
}

// Heartbeat returns the SSE heartbeat interval.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Events.HeartbeatSeconds) * time.Second
}
