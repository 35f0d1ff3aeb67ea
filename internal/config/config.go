// Package config loads statekeeper configuration from config.yaml in the
// data directory, with environment overrides and normalized defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/statekeeper/internal/otel"
)

// GuardConfig controls lock staleness and cooldown behavior.
type GuardConfig struct {
	// StalenessMinutes is the age past which an unreleased lock is treated
	// as abandoned and reclaimable on next access. Default 30.
	StalenessMinutes int `yaml:"staleness_minutes"`

	// CooldownMinutes is the default cooldown window applied when a caller
	// enters cooldown without an explicit deadline. Default 5.
	CooldownMinutes int `yaml:"cooldown_minutes"`
}

// MaintenanceConfig controls the periodic maintenance job.
type MaintenanceConfig struct {
	// Schedule is a standard 5-field cron expression. Empty disables the job.
	Schedule string `yaml:"schedule"`

	// LockRowRetentionDays is how long released lock rows are kept before
	// purge. History and cost rows are never purged. Default 7.
	LockRowRetentionDays int `yaml:"lock_row_retention_days"`
}

// RateLimitConfig controls per-actor rate limiting on the admin API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// SeedPath points at the lifecycle seed file (statuses + transition
	// rules). Empty resolves to <home>/lifecycle.yaml, written from the
	// embedded default on first run.
	SeedPath string `yaml:"seed_path"`

	Guard       GuardConfig       `yaml:"guard"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	OTel        otel.Config       `yaml:"otel"`

	// NeedsGenesis is set when no config.yaml existed and defaults were used.
	NeedsGenesis bool `yaml:"-"`
}

// LockStaleness returns the staleness window as a duration.
func (c Config) LockStaleness() time.Duration {
	return time.Duration(c.Guard.StalenessMinutes) * time.Minute
}

// DefaultCooldown returns the default cooldown window as a duration.
func (c Config) DefaultCooldown() time.Duration {
	return time.Duration(c.Guard.CooldownMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a daemon is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|seed=%s|stale=%d|cool=%d|maint=%s",
		c.BindAddr, c.LogLevel, c.DBPath, c.SeedPath,
		c.Guard.StalenessMinutes, c.Guard.CooldownMinutes, c.Maintenance.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Guard: GuardConfig{
			StalenessMinutes: 30,
			CooldownMinutes:  5,
		},
		Maintenance: MaintenanceConfig{
			Schedule:             "0 3 * * *",
			LockRowRetentionDays: 7,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
	}
}

// HomeDir returns the statekeeper data directory, honoring STATEKEEPER_HOME.
func HomeDir() string {
	if override := os.Getenv("STATEKEEPER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".statekeeper")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applying defaults,
// environment overrides, and normalization.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create statekeeper home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATEKEEPER_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("STATEKEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STATEKEEPER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STATEKEEPER_LOCK_STALENESS_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Guard.StalenessMinutes = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "statekeeper.db")
	}
	if strings.TrimSpace(cfg.SeedPath) == "" {
		cfg.SeedPath = filepath.Join(cfg.HomeDir, "lifecycle.yaml")
	}
	if cfg.Guard.StalenessMinutes <= 0 {
		cfg.Guard.StalenessMinutes = 30
	}
	if cfg.Guard.CooldownMinutes <= 0 {
		cfg.Guard.CooldownMinutes = 5
	}
	if cfg.Maintenance.LockRowRetentionDays <= 0 {
		cfg.Maintenance.LockRowRetentionDays = 7
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
}

// Save writes the config back to config.yaml. Used by genesis to persist the
// defaults the daemon started with.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
