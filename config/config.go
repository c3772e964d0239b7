// Package config defines the dispatch daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/dispatch/engine"
)

// Config is the top-level dispatchd configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Liveness  LivenessConfig  `json:"liveness" yaml:"liveness"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Workers   []WorkerConfig  `json:"workers,omitempty" yaml:"workers"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	// WriteTimeout is also the long-poll ceiling for discovery.
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string   `json:"admin_user" yaml:"admin_user"`
	AdminPass string   `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  Duration `json:"token_ttl" yaml:"token_ttl"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`       // file path for sqlite, connection string for postgres
}

// SchedulerConfig tunes discovery, claims and the circuit breaker.
type SchedulerConfig struct {
	PollInterval     Duration `json:"poll_interval" yaml:"poll_interval"`
	DefaultTimeout   Duration `json:"default_timeout" yaml:"default_timeout"`
	SafetyMargin     Duration `json:"safety_margin" yaml:"safety_margin"`
	DefaultLimit     int      `json:"default_limit" yaml:"default_limit"`
	ClaimTimeout     Duration `json:"claim_timeout" yaml:"claim_timeout"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	ReapInterval     Duration `json:"reap_interval" yaml:"reap_interval"`
}

// LivenessConfig controls worker heartbeat expiry.
type LivenessConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MissedHeartbeats  int      `json:"missed_heartbeats" yaml:"missed_heartbeats"`
}

// EventsConfig lists the event sinks besides the in-memory bus.
type EventsConfig struct {
	LogFile       string `json:"log_file,omitempty" yaml:"log_file"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db"`
	RedisStream   string `json:"redis_stream,omitempty" yaml:"redis_stream"`
	RedisMaxLen   int64  `json:"redis_max_len,omitempty" yaml:"redis_max_len"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"` // "text" or "json"
	File       string `json:"file,omitempty" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// WorkerConfig defines an in-process worker that runs a command per task,
// inside a Docker container when Image is set.
type WorkerConfig struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Capabilities    []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Specializations []string `json:"specializations,omitempty" yaml:"specializations"`
	Command         []string `json:"command" yaml:"command"`
	Dir             string   `json:"dir,omitempty" yaml:"dir"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout"`
	Image           string   `json:"image,omitempty" yaml:"image"`
	Network         string   `json:"network,omitempty" yaml:"network"`
}

// Duration is a time.Duration written as a string ("3s", "15m") in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Addr:         ":9090",
			WriteTimeout: Duration(150 * time.Second),
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  Duration(24 * time.Hour),
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "./data/dispatch.db",
		},
		Scheduler: SchedulerConfig{
			PollInterval:     Duration(opts.PollInterval),
			DefaultTimeout:   Duration(opts.DefaultTimeout),
			SafetyMargin:     Duration(opts.SafetyMargin),
			DefaultLimit:     opts.DefaultLimit,
			ClaimTimeout:     Duration(opts.ClaimTimeout),
			FailureThreshold: opts.FailureThreshold,
			ReapInterval:     Duration(time.Minute),
		},
		Liveness: LivenessConfig{
			HeartbeatInterval: Duration(30 * time.Second),
			MissedHeartbeats:  3,
		},
		Events: EventsConfig{
			RedisStream: "dispatch:events",
			RedisMaxLen: 10000,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Scheduler.SafetyMargin.D() >= c.Server.WriteTimeout.D() && c.Server.WriteTimeout > 0 {
		return fmt.Errorf("scheduler.safety_margin must be shorter than server.write_timeout")
	}
	seen := map[string]bool{}
	for i, w := range c.Workers {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("workers[%d]: id is required", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("workers[%d]: duplicate id %q", i, w.ID)
		}
		seen[w.ID] = true
		if len(w.Command) == 0 && w.Image == "" {
			return fmt.Errorf("workers[%d]: command or image is required", i)
		}
	}
	return nil
}

// EngineOptions converts the scheduler section into engine options.
// Discovery never outlives the server's write deadline.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.PollInterval = c.Scheduler.PollInterval.D()
	opts.DefaultTimeout = c.Scheduler.DefaultTimeout.D()
	opts.MaxWait = c.Server.WriteTimeout.D()
	opts.SafetyMargin = c.Scheduler.SafetyMargin.D()
	opts.DefaultLimit = c.Scheduler.DefaultLimit
	opts.ClaimTimeout = c.Scheduler.ClaimTimeout.D()
	opts.FailureThreshold = c.Scheduler.FailureThreshold
	return opts
}
