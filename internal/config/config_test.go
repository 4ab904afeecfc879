package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Database.Driver != "" {
		t.Fatalf("expected empty database driver, got %q", cfg.Database.Driver)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reward_layer.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/reward_layer?sslmode=disable
signal:
  min_rate: 0.4
  mining_ratio: 0.25
mining:
  backend_timeout_seconds: 5
sessions:
  max_mining_minutes_per_session: 30
  stale_session_age_minutes: 120
  sweep_schedule: "@every 5m"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Signal.MinRate != 0.4 || cfg.Signal.MiningRatio != 0.25 {
		t.Fatalf("signal = %+v", cfg.Signal)
	}
	if cfg.Mining.BackendTimeout() != 5*time.Second {
		t.Fatalf("backend timeout = %s", cfg.Mining.BackendTimeout())
	}
	if cfg.Sessions.StaleSessionAge() != 2*time.Hour {
		t.Fatalf("stale age = %s", cfg.Sessions.StaleSessionAge())
	}
	if cfg.Sessions.SweepSchedule != "@every 5m" {
		t.Fatalf("sweep schedule = %q", cfg.Sessions.SweepSchedule)
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reward_layer.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("POOL_BASE_PORT", "20000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Pool.BasePort != 20000 {
		t.Fatalf("base port = %d, want 20000", cfg.Pool.BasePort)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reward_layer.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative port")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reward_layer.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
