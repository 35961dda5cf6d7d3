// Package config loads the saga daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/events"
)

type Config struct {
	Log          LogConfig          `yaml:"log"`
	HTTP         HTTPConfig         `yaml:"http"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        events.KafkaConfig `yaml:"kafka"`
	Events       EventsConfig       `yaml:"events"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type OrchestratorConfig struct {
	// WorkerID defaults to a random id per process.
	WorkerID          string        `yaml:"worker_id"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	AwaitPollInterval time.Duration `yaml:"await_poll_interval"`
	Retry             RetryConfig   `yaml:"retry"`
	Compensation      RetryConfig   `yaml:"compensation"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	JitterPercent  uint64        `yaml:"jitter_percent"`
}

// Policy fills the unset fields of r from def.
func (r RetryConfig) Policy(def saga.RetryPolicy) saga.RetryPolicy {
	if r.MaxAttempts > 0 {
		def.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoff > 0 {
		def.InitialBackoff = r.InitialBackoff
	}
	if r.MaxBackoff > 0 {
		def.MaxBackoff = r.MaxBackoff
	}
	if r.JitterPercent > 0 {
		def.JitterPercent = r.JitterPercent
	}
	return def
}

type RecoveryConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	Concurrency int           `yaml:"concurrency"`
}

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is used by the postgres and sqlite drivers.
	DSN string `yaml:"dsn"`
	// Dir is used by the file driver.
	Dir     string `yaml:"dir"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

const (
	SinkNone  = "none"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

type EventsConfig struct {
	Sink   string `yaml:"sink"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = "json"
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if c.Orchestrator.StepTimeout <= 0 {
		c.Orchestrator.StepTimeout = 30 * time.Second
	}
	if c.Orchestrator.AwaitPollInterval <= 0 {
		c.Orchestrator.AwaitPollInterval = 250 * time.Millisecond
	}
	if c.Recovery.Enabled == nil {
		c.Recovery.Enabled = saga.BoolPtr(true)
	}
	if c.Recovery.Interval <= 0 {
		c.Recovery.Interval = 30 * time.Second
	}
	if c.Recovery.StaleAfter <= 0 {
		c.Recovery.StaleAfter = 5 * time.Minute
	}
	if c.Recovery.Concurrency <= 0 {
		c.Recovery.Concurrency = 4
	}
	if strings.TrimSpace(c.Store.Driver) == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Driver == DriverFile && strings.TrimSpace(c.Store.Dir) == "" {
		c.Store.Dir = "data/sagas"
	}
	if strings.TrimSpace(c.Redis.Prefix) == "" {
		c.Redis.Prefix = "saga"
	}
	if strings.TrimSpace(c.Events.Sink) == "" {
		c.Events.Sink = SinkNone
	}
	if c.Events.Sink == SinkRedis && strings.TrimSpace(c.Events.Stream) == "" {
		c.Events.Stream = "saga:events"
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = saga.BoolPtr(true)
	}
	if strings.TrimSpace(c.Metrics.Path) == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c Config) RecoveryEnabled() bool { return c.Recovery.Enabled != nil && *c.Recovery.Enabled }

func (c Config) MetricsEnabled() bool { return c.Metrics.Enabled != nil && *c.Metrics.Enabled }

func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.RecoveryEnabled() && c.Recovery.StaleAfter <= c.Orchestrator.StepTimeout {
		return fmt.Errorf("recovery.stale_after (%s) must exceed orchestrator.step_timeout (%s)",
			c.Recovery.StaleAfter, c.Orchestrator.StepTimeout)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("store.dir is required for the file driver")
		}
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.Store.Driver)
		}
	case DriverRedis:
		if err := validateRedis(c.Redis); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Events.Sink {
	case SinkNone:
	case SinkKafka:
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	case SinkRedis:
		if err := validateRedis(c.Redis); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown events.sink %q", c.Events.Sink)
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
