package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Engine      EngineConfig      `toml:"engine"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Workers     WorkersConfig     `toml:"workers"`
	Jobs        JobsConfig        `toml:"jobs"`
	Logging     LoggingConfig     `toml:"logging"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Auth        AuthConfig        `toml:"auth"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// QueueConfig configures the durable job queue (goqite-backed)
type QueueConfig struct {
	Path              string `toml:"path"`               // SQLite file backing the queue
	QueueName         string `toml:"queue_name"`         // Queue name in the goqite table
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "30m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before a message is dead-lettered
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Prefix string       `toml:"prefix"` // Key namespace prefix (default "renderq")
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// EngineConfig configures the image-generation engine endpoint
type EngineConfig struct {
	BaseURL          string `toml:"base_url"`          // Engine HTTP endpoint, e.g. "http://127.0.0.1:8188"
	RequestTimeout   string `toml:"request_timeout"`   // Per-request HTTP timeout (default "30s")
	GenerateTimeout  string `toml:"generate_timeout"`  // Wall-clock bound for one generation (default "1200s")
	PollInterval     string `toml:"poll_interval"`     // Completion poll interval (default "2s")
	WorkflowTemplate string `toml:"workflow_template"` // Path to the workflow template JSON; empty uses the built-in template
	DefaultModel     string `toml:"default_model"`     // Checkpoint used when a submission omits model
}

// ObjectStoreConfig configures the S3-compatible artifact store
type ObjectStoreConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	URLTTL    string `toml:"url_ttl"` // Presigned URL lifetime (default "1h")
}

// WorkersConfig configures the worker runtime
type WorkersConfig struct {
	Concurrency     int    `toml:"concurrency"`      // Concurrent task slots per worker process (default 5)
	RecoveryPolicy  string `toml:"recovery_policy"`  // "requeue" (default) or "fail" for orphaned jobs
	PublishInterval string `toml:"publish_interval"` // Progress publish coalescing window (default "200ms")
}

// JobsConfig configures job record retention
type JobsConfig struct {
	RecordTTL      string `toml:"record_ttl"`      // Job record retention from last write (default "24h")
	IdempotencyTTL string `toml:"idempotency_ttl"` // Idempotency binding retention (default "24h")
	CancelFlagTTL  string `toml:"cancel_flag_ttl"` // Cancel flag retention (default "1h")
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// RateLimitConfig configures the per-caller API token bucket
type RateLimitConfig struct {
	Enabled           bool `toml:"enabled"`
	RequestsPerMinute int  `toml:"requests_per_minute"`
	Burst             int  `toml:"burst"`
}

// AuthConfig configures optional bearer-token authentication.
// An empty key list leaves all surfaces open.
type AuthConfig struct {
	APIKeys []string `toml:"api_keys"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings should be exposed in renderq.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			Path:              "./data/queue.db",
			QueueName:         "renderq_jobs",
			PollInterval:      "1s",
			VisibilityTimeout: "30m",
			MaxReceive:        3,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/state",
				ResetOnStartup: false,
			},
			Prefix: "renderq",
		},
		Engine: EngineConfig{
			BaseURL:         "http://127.0.0.1:8188",
			RequestTimeout:  "30s",
			GenerateTimeout: "1200s",
			PollInterval:    "2s",
			DefaultModel:    "sd_xl_base_1.0.safetensors",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "127.0.0.1:9000",
			Bucket:   "renderq-artifacts",
			UseSSL:   false,
			URLTTL:   "1h",
		},
		Workers: WorkersConfig{
			Concurrency:     5,
			RecoveryPolicy:  "requeue",
			PublishInterval: "200ms",
		},
		Jobs: JobsConfig{
			RecordTTL:      "24h",
			IdempotencyTTL: "24h",
			CancelFlagTTL:  "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// LoadFromFiles loads configuration by merging defaults, TOML files and
// environment overrides. Later files override earlier ones.
func LoadFromFiles(logger arbor.ILogger, paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if logger != nil {
			logger.Debug().Str("path", path).Msg("Configuration file loaded")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyFlagOverrides applies command-line flag values on top of the loaded
// configuration. Zero values leave the config untouched.
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// applyEnvOverrides maps RENDERQ_* environment variables onto config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RENDERQ_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RENDERQ_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RENDERQ_ENGINE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("RENDERQ_OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("RENDERQ_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("RENDERQ_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("RENDERQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Workers.Concurrency < 1 {
		return fmt.Errorf("workers.concurrency must be at least 1, got %d", c.Workers.Concurrency)
	}
	switch c.Workers.RecoveryPolicy {
	case "requeue", "fail":
	default:
		return fmt.Errorf("workers.recovery_policy must be \"requeue\" or \"fail\", got %q", c.Workers.RecoveryPolicy)
	}
	if c.Storage.Prefix == "" {
		return fmt.Errorf("storage.prefix must not be empty")
	}
	for _, field := range []struct {
		name, value string
	}{
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"engine.request_timeout", c.Engine.RequestTimeout},
		{"engine.generate_timeout", c.Engine.GenerateTimeout},
		{"engine.poll_interval", c.Engine.PollInterval},
		{"object_store.url_ttl", c.ObjectStore.URLTTL},
		{"workers.publish_interval", c.Workers.PublishInterval},
		{"jobs.record_ttl", c.Jobs.RecordTTL},
		{"jobs.idempotency_ttl", c.Jobs.IdempotencyTTL},
		{"jobs.cancel_flag_ttl", c.Jobs.CancelFlagTTL},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", field.name, field.value)
		}
	}
	return nil
}

// Duration parses a duration config value, falling back to def when the
// value is empty or malformed. Config validation catches malformed values at
// startup; the fallback keeps call sites total.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
