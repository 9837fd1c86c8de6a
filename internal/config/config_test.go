package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/basket/tasksync/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "tasksync")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKSYNC_HOME", home)
	return home
}

func TestLoad_FromUserHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ts := filepath.Join(home, ".tasksync")
	if err := os.MkdirAll(ts, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ts, "config.yaml"), []byte("debounce_ms: 200\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("TASKSYNC_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != ts {
		t.Fatalf("expected home %s got %s", ts, cfg.HomeDir)
	}
	if cfg.DebounceDelay() != 200*time.Millisecond {
		t.Fatalf("expected 200ms debounce, got %s", cfg.DebounceDelay())
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("TASKSYNC_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis for missing config.yaml")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir created: %v", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := writeConfig(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("empty config.yaml still counts as present")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.DebounceDelay() != 750*time.Millisecond {
		t.Fatalf("expected 750ms debounce, got %s", cfg.DebounceDelay())
	}
	if cfg.DBPath != filepath.Join(home, "tasksync.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if !cfg.Bootstrap() {
		t.Fatal("bootstrap defaults should be on unless disabled")
	}
	if cfg.Backup.Dir != filepath.Join(home, "backups") || cfg.Backup.Keep != 7 {
		t.Fatalf("unexpected backup defaults %+v", cfg.Backup)
	}
	if cfg.Backup.Schedule != "" {
		t.Fatalf("backups should be off by default, got %q", cfg.Backup.Schedule)
	}
	if cfg.RateLimit.Enabled {
		t.Fatal("rate limiting should be off by default")
	}
	if cfg.OTel.ServiceName != "tasksync" || cfg.OTel.SampleRate != 1.0 {
		t.Fatalf("unexpected otel defaults %+v", cfg.OTel)
	}
}

func TestLoad_YAMLFields(t *testing.T) {
	writeConfig(t, `
bind_addr: 0.0.0.0:9000
log_level: DEBUG
allow_origins: ["http://localhost:3000"]
operators: [root, " ops ", root]
bootstrap_defaults: false
backup:
  schedule: "0 3 * * *"
  dir: /var/backups/tasksync
  keep: 3
rate_limit:
  enabled: true
  requests_per_minute: 120
  burst_size: 10
otel:
  enabled: true
  exporter: stdout
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected bind/log %q/%q", cfg.BindAddr, cfg.LogLevel)
	}
	if diff := cmp.Diff([]string{"ops", "root"}, cfg.Operators); diff != "" {
		t.Fatalf("operators mismatch (-want +got):\n%s", diff)
	}
	if cfg.Bootstrap() {
		t.Fatal("bootstrap_defaults: false should disable bootstrap")
	}
	want := config.BackupConfig{Schedule: "0 3 * * *", Dir: "/var/backups/tasksync", Keep: 3}
	if diff := cmp.Diff(want, cfg.Backup); diff != "" {
		t.Fatalf("backup mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 10}, cfg.RateLimit); diff != "" {
		t.Fatalf("rate limit mismatch (-want +got):\n%s", diff)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "stdout" {
		t.Fatalf("unexpected otel %+v", cfg.OTel)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	writeConfig(t, "bind_addr: 127.0.0.1:1\ndebounce_ms: 100\noperators: [alice]\n")
	t.Setenv("TASKSYNC_BIND_ADDR", "127.0.0.1:2")
	t.Setenv("TASKSYNC_LOG_LEVEL", "warn")
	t.Setenv("TASKSYNC_AUTH_TOKEN", "s3cret")
	t.Setenv("TASKSYNC_DEBOUNCE_MS", "300")
	t.Setenv("TASKSYNC_OPERATORS", "root, ops")
	t.Setenv("TASKSYNC_DB_PATH", "/tmp/other.db")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2" || cfg.LogLevel != "warn" || cfg.AuthToken != "s3cret" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.DebounceMS != 300 {
		t.Fatalf("expected debounce 300, got %d", cfg.DebounceMS)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if !cfg.IsOperator("root") || !cfg.IsOperator("ops") || cfg.IsOperator("alice") {
		t.Fatalf("unexpected operators %v", cfg.Operators)
	}
}

func TestLoad_InvalidDebounceFallsBack(t *testing.T) {
	writeConfig(t, "debounce_ms: -5\n")
	t.Setenv("TASKSYNC_DEBOUNCE_MS", "soon")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DebounceMS != 750 {
		t.Fatalf("expected default debounce, got %d", cfg.DebounceMS)
	}
}

func TestLoad_ParseError(t *testing.T) {
	writeConfig(t, "operators: [unterminated\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	writeConfig(t, "operators: [b, a]\n")
	first, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	second, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("fingerprint not stable: %s vs %s", first.Fingerprint(), second.Fingerprint())
	}

	changed := first
	changed.Operators = []string{"a"}
	if changed.Fingerprint() == first.Fingerprint() {
		t.Fatal("fingerprint should change with operators")
	}
	withToken := first
	withToken.AuthToken = "x"
	if withToken.Fingerprint() == first.Fingerprint() {
		t.Fatal("fingerprint should reflect whether auth is on")
	}
}
