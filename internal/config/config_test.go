package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.HTTPPort != 8088 {
			t.Errorf("expected default HTTP port 8088, got %d", cfg.HTTPPort)
		}
		if cfg.GRPCPort != 9090 {
			t.Errorf("expected default gRPC port 9090, got %d", cfg.GRPCPort)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("expected default log level info, got %s", cfg.LogLevel)
		}
		if cfg.HistoryBackend != "memory" || cfg.EventsBackend != "memory" {
			t.Errorf("expected memory backends by default")
		}
		if cfg.HistoryTTL != 24*time.Hour {
			t.Errorf("expected 24h history TTL, got %v", cfg.HistoryTTL)
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("AGYC_HTTP_PORT", "9000")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("HISTORY_BACKEND", "redis")
		t.Setenv("REDIS_ADDR", "redis:6379")

		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		if cfg.HTTPPort != 9000 {
			t.Errorf("expected 9000, got %d", cfg.HTTPPort)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("expected debug, got %s", cfg.LogLevel)
		}
		if cfg.HistoryBackend != "redis" || cfg.Redis.Addr != "redis:6379" {
			t.Errorf("redis backend config not applied")
		}
		if cfg.GetHTTPAddr() != ":9000" {
			t.Errorf("unexpected HTTP addr %s", cfg.GetHTTPAddr())
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid log level")
		}
	})

	t.Run("invalid backend", func(t *testing.T) {
		t.Setenv("EVENTS_BACKEND", "kafka")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for unsupported backend")
		}
	})
}

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRoster(t *testing.T) {
	t.Run("full roster", func(t *testing.T) {
		path := writeRoster(t, `
dispatcher:
  maxQueueSize: 50
  defaultPolicy: health
  redispatch:
    enabled: true
    maxAttempts: 1
workers:
  - id: acct-a
    backend: subprocess
    concurrencyLimit: 3
    routingWeight: 2.0
    stateDir: /tmp/acct-a
    taskCommand: ["run-task"]
  - id: acct-b
    backend: anthropic
    model: claude-sonnet-4-20250514
    apiKey: sk-test
`)
		roster, err := LoadRoster(path)
		if err != nil {
			t.Fatal(err)
		}
		if roster.Dispatcher.MaxQueueSize != 50 {
			t.Errorf("expected 50, got %d", roster.Dispatcher.MaxQueueSize)
		}
		if roster.Dispatcher.DefaultPolicy != "health" {
			t.Errorf("expected health, got %s", roster.Dispatcher.DefaultPolicy)
		}
		if !roster.Dispatcher.Redispatch.Enabled || roster.Dispatcher.Redispatch.MaxAttempts != 1 {
			t.Errorf("redispatch config not applied: %+v", roster.Dispatcher.Redispatch)
		}
		if len(roster.Workers) != 2 {
			t.Fatalf("expected 2 workers, got %d", len(roster.Workers))
		}
		if roster.Workers[0].ConcurrencyLimit != 3 || roster.Workers[0].RoutingWeight != 2.0 {
			t.Errorf("worker overrides not applied: %+v", roster.Workers[0])
		}
		// omitted fields fall back to defaults
		if roster.Workers[1].ConcurrencyLimit != 1 || roster.Workers[1].RoutingWeight != 1.0 {
			t.Errorf("worker defaults not applied: %+v", roster.Workers[1])
		}
	})

	t.Run("defaults for the dispatcher block", func(t *testing.T) {
		path := writeRoster(t, `
workers:
  - id: acct-a
    backend: subprocess
    stateDir: /tmp/acct-a
    taskCommand: ["run-task"]
`)
		roster, err := LoadRoster(path)
		if err != nil {
			t.Fatal(err)
		}
		d := roster.Dispatcher
		if d.MaxQueueSize != 200 || d.WorkerQueueSize != 50 {
			t.Errorf("queue defaults not applied: %+v", d)
		}
		if d.DefaultPolicy != "round-robin" {
			t.Errorf("expected round-robin, got %s", d.DefaultPolicy)
		}
		if d.UnhealthyThreshold != 3 || d.RecoveryRampSteps != 3 {
			t.Errorf("health defaults not applied: %+v", d)
		}
		if d.ProbeInterval != 10*time.Second {
			t.Errorf("expected 10s probe interval, got %v", d.ProbeInterval)
		}
		if d.Redispatch.Enabled {
			t.Error("redispatch must be off by default")
		}
	})

	t.Run("empty worker list is rejected", func(t *testing.T) {
		path := writeRoster(t, `
dispatcher:
  maxQueueSize: 10
`)
		if _, err := LoadRoster(path); err == nil {
			t.Fatal("expected error for empty worker list")
		}
	})

	t.Run("duplicate worker ids are rejected", func(t *testing.T) {
		path := writeRoster(t, `
workers:
  - id: acct-a
    backend: subprocess
    stateDir: /tmp/a
    taskCommand: ["run-task"]
  - id: acct-a
    backend: subprocess
    stateDir: /tmp/b
    taskCommand: ["run-task"]
`)
		if _, err := LoadRoster(path); err == nil {
			t.Fatal("expected error for duplicate ids")
		}
	})

	t.Run("subprocess backend needs a task command", func(t *testing.T) {
		path := writeRoster(t, `
workers:
  - id: acct-a
    backend: subprocess
    stateDir: /tmp/a
`)
		if _, err := LoadRoster(path); err == nil {
			t.Fatal("expected error for missing taskCommand")
		}
	})

	t.Run("anthropic backend needs model and key", func(t *testing.T) {
		path := writeRoster(t, `
workers:
  - id: acct-a
    backend: anthropic
    model: claude-sonnet-4-20250514
`)
		if _, err := LoadRoster(path); err == nil {
			t.Fatal("expected error for missing apiKey")
		}
	})

	t.Run("unknown backend is rejected", func(t *testing.T) {
		path := writeRoster(t, `
workers:
  - id: acct-a
    backend: carrier-pigeon
`)
		if _, err := LoadRoster(path); err == nil {
			t.Fatal("expected error for unknown backend")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadRoster("/nonexistent/config.yaml"); err == nil {
			t.Fatal("expected error for missing file")
		}
	})
}
