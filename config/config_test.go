package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	opts := cfg.EngineOptions()
	if opts.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", opts.PollInterval)
	}
	if opts.DefaultTimeout != 120*time.Second {
		t.Errorf("DefaultTimeout = %v, want 120s", opts.DefaultTimeout)
	}
	if opts.MaxWait != 150*time.Second {
		t.Errorf("MaxWait = %v, want the write timeout", opts.MaxWait)
	}
	if opts.ClaimTimeout != 15*time.Minute || opts.FailureThreshold != 3 {
		t.Errorf("ClaimTimeout = %v, FailureThreshold = %d", opts.ClaimTimeout, opts.FailureThreshold)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
storage:
  driver: postgres
  dsn: postgres://dispatch@localhost/dispatch?sslmode=disable
scheduler:
  poll_interval: 500ms
  claim_timeout: 5m
events:
  redis_addr: localhost:6379
workers:
  - id: builder
    capabilities: [go]
    command: ["make", "task"]
    timeout: 10m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Storage.Driver)
	}
	if cfg.Scheduler.PollInterval.D() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval.D())
	}
	if cfg.Scheduler.ClaimTimeout.D() != 5*time.Minute {
		t.Errorf("ClaimTimeout = %v", cfg.Scheduler.ClaimTimeout.D())
	}
	// Untouched sections keep their defaults.
	if cfg.Scheduler.DefaultTimeout.D() != 120*time.Second {
		t.Errorf("DefaultTimeout = %v, want default", cfg.Scheduler.DefaultTimeout.D())
	}
	if cfg.Events.RedisStream != "dispatch:events" {
		t.Errorf("RedisStream = %q, want default", cfg.Events.RedisStream)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Timeout.D() != 10*time.Minute {
		t.Errorf("Workers = %+v", cfg.Workers)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "scheduler:\n  poll_interval: soon\n",
		"unknown driver": "storage:\n  driver: mongo\n",
		"missing dsn":    "storage:\n  driver: sqlite\n  dsn: \"\"\n",
		"worker no cmd":  "workers:\n  - id: w\n",
		"duplicate":      "workers:\n  - id: w\n    command: [a]\n  - id: w\n    command: [b]\n",
		"margin":         "server:\n  write_timeout: 2s\nscheduler:\n  safety_margin: 5s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), "d: 1m30s") {
		t.Errorf("marshalled %q", out)
	}
}
