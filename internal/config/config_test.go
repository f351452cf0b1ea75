package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KSTATS_STORAGE_PATH", filepath.Join(dir, "data", "kstats.bolt"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected bolt storage, got %q", cfg.Storage.Type)
	}
	if cfg.Stats.Namespace != "kstats" || cfg.Stats.Key != "stats" {
		t.Errorf("unexpected namespace/key %q/%q", cfg.Stats.Namespace, cfg.Stats.Key)
	}

	d, err := cfg.Stats.Durations()
	if err != nil {
		t.Fatalf("Durations() error = %v", err)
	}
	if d.FlushInterval != 10*time.Second {
		t.Errorf("expected 10s flush interval, got %s", d.FlushInterval)
	}
	if d.TickInterval != time.Second {
		t.Errorf("expected 1s tick interval, got %s", d.TickInterval)
	}
	if d.MessageDebounce != 500*time.Millisecond {
		t.Errorf("expected 500ms message debounce, got %s", d.MessageDebounce)
	}

	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("expected storage directory to be created: %v", err)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path, dir := writeConfig(t, `
stats:
  flush_interval: 30s
  message_debounce: 0s
identity:
  user_id: "1234"
storage:
  type: sqlite
`)
	t.Setenv("KSTATS_STORAGE_PATH", filepath.Join(dir, "kstats.db"))
	t.Setenv("KSTATS_IDENTITY_USER_ID", "5678")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected sqlite storage, got %q", cfg.Storage.Type)
	}
	if cfg.Identity.UserID != "5678" {
		t.Errorf("expected environment to override user id, got %q", cfg.Identity.UserID)
	}

	d, err := cfg.Stats.Durations()
	if err != nil {
		t.Fatalf("Durations() error = %v", err)
	}
	if d.FlushInterval != 30*time.Second {
		t.Errorf("expected 30s flush interval, got %s", d.FlushInterval)
	}
	if d.MessageDebounce != 0 {
		t.Errorf("expected debounce disabled, got %s", d.MessageDebounce)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"flush too fast", "stats:\n  flush_interval: 100ms\n", "flush_interval"},
		{"flush too slow", "stats:\n  flush_interval: 1h\n", "flush_interval"},
		{"bad duration", "stats:\n  cache_ttl: soon\n", "cache_ttl"},
		{"negative debounce", "stats:\n  message_debounce: -1s\n", "message_debounce"},
		{"unknown storage", "storage:\n  type: etcd\n", "unsupported storage type"},
		{"bad port", "server:\n  metrics_port: 70000\n", "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, dir := writeConfig(t, tt.body)
			t.Setenv("KSTATS_STORAGE_PATH", filepath.Join(dir, "kstats.bolt"))

			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.MetricsPort != 9191 {
		t.Errorf("expected default metrics port 9191, got %d", cfg.Server.MetricsPort)
	}
	if cfg.Stats.CacheSize != 16 {
		t.Errorf("expected default cache size 16, got %d", cfg.Stats.CacheSize)
	}
}
