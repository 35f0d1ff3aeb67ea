package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis for empty home")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.DBPath != filepath.Join(home, "statekeeper.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.SeedPath != filepath.Join(home, "lifecycle.yaml") {
		t.Fatalf("unexpected seed path %q", cfg.SeedPath)
	}
	if got := cfg.LockStaleness(); got != 30*time.Minute {
		t.Fatalf("expected 30m staleness default, got %v", got)
	}
	if got := cfg.DefaultCooldown(); got != 5*time.Minute {
		t.Fatalf("expected 5m cooldown default, got %v", got)
	}
}

func TestLoadFrom_ReadsYAMLAndNormalizes(t *testing.T) {
	home := t.TempDir()
	yaml := `
bind_addr: "0.0.0.0:9999"
log_level: debug
guard:
  staleness_minutes: 10
maintenance:
  schedule: "*/5 * * * *"
  lock_row_retention_days: 0
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatalf("NeedsGenesis should be false when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9999" || cfg.LogLevel != "debug" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Guard.StalenessMinutes != 10 {
		t.Fatalf("staleness not applied: %d", cfg.Guard.StalenessMinutes)
	}
	// Zero retention days must normalize back to the default.
	if cfg.Maintenance.LockRowRetentionDays != 7 {
		t.Fatalf("lock row retention not normalized: %d", cfg.Maintenance.LockRowRetentionDays)
	}
	if cfg.Maintenance.Schedule != "*/5 * * * *" {
		t.Fatalf("schedule not applied: %q", cfg.Maintenance.Schedule)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STATEKEEPER_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("STATEKEEPER_LOCK_STALENESS_MINUTES", "45")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("env bind addr not applied: %q", cfg.BindAddr)
	}
	if cfg.Guard.StalenessMinutes != 45 {
		t.Fatalf("env staleness not applied: %d", cfg.Guard.StalenessMinutes)
	}
}

func TestHomeDir_Override(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STATEKEEPER_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Fatalf("HomeDir() = %q, want %q", got, dir)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := t.TempDir()
	a, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	b.Guard.StalenessMinutes = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with config")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cfg.LogLevel = "warn"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LogLevel != "warn" {
		t.Fatalf("saved value lost: %q", reloaded.LogLevel)
	}
}
