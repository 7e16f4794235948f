// Package config loads and validates the relay service configuration,
// layering environment variables over an optional YAML file over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the relay service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	State    StateConfig    `mapstructure:"state"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Registry RegistryConfig `mapstructure:"registry"`
	Index    IndexConfig    `mapstructure:"index"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StateConfig holds the on-disk state location. The directory contains one
// JSON file per watched session plus the destination registry YAML.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig selects log level, format and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WatcherConfig holds file watcher tuning.
type WatcherConfig struct {
	// CoalesceWindowMs is how long the watcher waits after a change
	// notification before reading, so bursts of appends become one batch.
	CoalesceWindowMs int `mapstructure:"coalesceWindowMs"`
}

// StreamConfig holds event buffer and fan-out tuning.
type StreamConfig struct {
	BufferSize   int `mapstructure:"bufferSize"`   // buffered events per session for late joiners
	QueueSize    int `mapstructure:"queueSize"`    // outbound queue per subscriber
	HeartbeatSec int `mapstructure:"heartbeatSec"` // keep-alive ping interval
}

// TrackerConfig holds turn tracking tuning.
type TrackerConfig struct {
	// IdleFinalizeMs finalizes an open turn when no new blocks arrive
	// within the window.
	IdleFinalizeMs int `mapstructure:"idleFinalizeMs"`
}

// DispatchConfig holds debouncer and publisher tuning.
type DispatchConfig struct {
	TelegramEditGapMs  int `mapstructure:"telegramEditGapMs"`
	SlackEditGapMs     int `mapstructure:"slackEditGapMs"`
	RateLimitOps       int `mapstructure:"rateLimitOps"`       // API calls per window per destination
	RateLimitWindowSec int `mapstructure:"rateLimitWindowSec"` // sliding window length
	RetryMaxAttempts   int `mapstructure:"retryMaxAttempts"`
	RetryBackoffMaxSec int `mapstructure:"retryBackoffMaxSec"`
	APITimeoutSec      int `mapstructure:"apiTimeoutSec"`
	DrainTimeoutSec    int `mapstructure:"drainTimeoutSec"`
}

// RegistryConfig holds destination registry tuning.
type RegistryConfig struct {
	// IdleGraceSec keeps a session alive after its last destination
	// detaches, so quick re-attaches do not lose processing context.
	IdleGraceSec int `mapstructure:"idleGraceSec"`
}

// IndexConfig holds the transcript search index configuration.
type IndexConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Driver   string   `mapstructure:"driver"` // sqlite3 or pgx
	Path     string   `mapstructure:"path"`   // sqlite database file
	DSN      string   `mapstructure:"dsn"`    // postgres connection string
	Roots    []string `mapstructure:"roots"`  // transcript directories to scan
	MaxConns int      `mapstructure:"maxConns"`
	MinConns int      `mapstructure:"minConns"`
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// SlackConfig holds Slack bot credentials.
type SlackConfig struct {
	Token string `mapstructure:"token"`
}

// ReadTimeoutDuration converts ReadTimeout to a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration converts WriteTimeout to a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CoalesceWindow returns the coalescing window as a time.Duration.
func (w *WatcherConfig) CoalesceWindow() time.Duration {
	return time.Duration(w.CoalesceWindowMs) * time.Millisecond
}

// Heartbeat returns the keep-alive interval as a time.Duration.
func (s *StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSec) * time.Second
}

// IdleFinalize returns the idle finalize window as a time.Duration.
func (t *TrackerConfig) IdleFinalize() time.Duration {
	return time.Duration(t.IdleFinalizeMs) * time.Millisecond
}

// TelegramEditGap returns the minimum gap between Telegram edits.
func (d *DispatchConfig) TelegramEditGap() time.Duration {
	return time.Duration(d.TelegramEditGapMs) * time.Millisecond
}

// SlackEditGap returns the minimum gap between Slack edits.
func (d *DispatchConfig) SlackEditGap() time.Duration {
	return time.Duration(d.SlackEditGapMs) * time.Millisecond
}

// RateLimitWindow returns the rate limit window as a time.Duration.
func (d *DispatchConfig) RateLimitWindow() time.Duration {
	return time.Duration(d.RateLimitWindowSec) * time.Second
}

// RetryBackoffMax returns the retry backoff ceiling as a time.Duration.
func (d *DispatchConfig) RetryBackoffMax() time.Duration {
	return time.Duration(d.RetryBackoffMaxSec) * time.Second
}

// APITimeout returns the per-request API timeout as a time.Duration.
func (d *DispatchConfig) APITimeout() time.Duration {
	return time.Duration(d.APITimeoutSec) * time.Second
}

// DrainTimeout returns the shutdown drain budget as a time.Duration.
func (d *DispatchConfig) DrainTimeout() time.Duration {
	return time.Duration(d.DrainTimeoutSec) * time.Second
}

// IdleGrace returns the idle grace period as a time.Duration.
func (r *RegistryConfig) IdleGrace() time.Duration {
	return time.Duration(r.IdleGraceSec) * time.Second
}

// detectDefaultLogFormat picks JSON when running under Kubernetes or with
// RELAY_ENV=production, and the console format otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults seeds every key so Unmarshal always sees a complete tree.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// State defaults
	v.SetDefault("state.dir", "./state")

	// NATS defaults. An empty URL selects the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relay")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Watcher defaults
	v.SetDefault("watcher.coalesceWindowMs", 150)

	// Stream defaults
	v.SetDefault("stream.bufferSize", 20)
	v.SetDefault("stream.queueSize", 64)
	v.SetDefault("stream.heartbeatSec", 15)

	// Tracker defaults
	v.SetDefault("tracker.idleFinalizeMs", 3000)

	// Dispatch defaults
	v.SetDefault("dispatch.telegramEditGapMs", 1000)
	v.SetDefault("dispatch.slackEditGapMs", 700)
	v.SetDefault("dispatch.rateLimitOps", 20)
	v.SetDefault("dispatch.rateLimitWindowSec", 60)
	v.SetDefault("dispatch.retryMaxAttempts", 5)
	v.SetDefault("dispatch.retryBackoffMaxSec", 30)
	v.SetDefault("dispatch.apiTimeoutSec", 15)
	v.SetDefault("dispatch.drainTimeoutSec", 5)

	// Registry defaults
	v.SetDefault("registry.idleGraceSec", 60)

	// Index defaults - disabled unless configured
	v.SetDefault("index.enabled", false)
	v.SetDefault("index.driver", "sqlite3")
	v.SetDefault("index.path", "./state/index.db")
	v.SetDefault("index.dsn", "")
	v.SetDefault("index.roots", []string{})
	v.SetDefault("index.maxConns", 25)
	v.SetDefault("index.minConns", 5)

	// Credentials come from env or config file
	v.SetDefault("telegram.token", "")
	v.SetDefault("slack.token", "")
}

// Load builds the configuration from defaults, an optional config.yaml in
// the current directory or /etc/relay/, and RELAY_-prefixed environment
// variables, in increasing precedence.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. The path may name a YAML file directly or a directory that
// contains config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys operators typically set via environment rather than the
	// config file. Bound explicitly so they resolve regardless of how
	// the key is spelled elsewhere.
	_ = v.BindEnv("state.dir", "RELAY_STATE_DIR")
	_ = v.BindEnv("telegram.token", "RELAY_TELEGRAM_TOKEN")
	_ = v.BindEnv("slack.token", "RELAY_SLACK_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if ext := filepath.Ext(configPath); ext == ".yaml" || ext == ".yml" {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	// A missing config file is fine; anything else is fatal.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate collects every bad field into one error so operators can fix
// them in a single pass.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Watcher.CoalesceWindowMs <= 0 {
		errs = append(errs, "watcher.coalesceWindowMs must be positive")
	}
	if cfg.Stream.BufferSize <= 0 {
		errs = append(errs, "stream.bufferSize must be positive")
	}
	if cfg.Stream.QueueSize <= 0 {
		errs = append(errs, "stream.queueSize must be positive")
	}
	if cfg.Tracker.IdleFinalizeMs <= 0 {
		errs = append(errs, "tracker.idleFinalizeMs must be positive")
	}
	if cfg.Dispatch.RateLimitOps <= 0 || cfg.Dispatch.RateLimitWindowSec <= 0 {
		errs = append(errs, "dispatch rate limit must be positive")
	}
	if cfg.Dispatch.RetryMaxAttempts <= 0 {
		errs = append(errs, "dispatch.retryMaxAttempts must be positive")
	}

	switch cfg.Index.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, "index.driver must be one of: sqlite3, pgx")
	}
	if cfg.Index.Enabled && cfg.Index.Driver == "pgx" && cfg.Index.DSN == "" {
		errs = append(errs, "index.dsn is required when index.driver is pgx")
	}
	if cfg.Index.Enabled && cfg.Index.Driver == "sqlite3" && cfg.Index.Path == "" {
		errs = append(errs, "index.path is required when index.driver is sqlite3")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
