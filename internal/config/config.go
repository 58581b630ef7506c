// Package config loads the orchestrator configuration from
// <home>/config.yaml with WARROOM_* environment overrides, and watches the
// home directory for policy/config changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warroom/warroom/internal/telemetry"
)

// LeaseConfig tunes the single-writer lease.
type LeaseConfig struct {
	TTLSeconds            int `yaml:"ttl_seconds"`
	StaleRunningThreshold int `yaml:"stale_running_threshold_seconds"`
}

// RetryConfig tunes the task retry schedule.
type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	BackoffBaseSec int `yaml:"backoff_base_seconds"`
	BackoffMaxSec  int `yaml:"backoff_max_seconds"`
	JitterSec      int `yaml:"jitter_seconds"`
}

// ExecutorConfig caps the tool executors.
type ExecutorConfig struct {
	MaxCommandLen  int   `yaml:"max_command_len"`
	MaxOutputKB    int64 `yaml:"max_output_kb"`
	ShellTimeoutS  int   `yaml:"shell_timeout_seconds"`
	GitTimeoutS    int   `yaml:"git_timeout_seconds"`
	MaxReadKB      int64 `yaml:"max_read_kb"`
	MaxWriteKB     int64 `yaml:"max_write_kb"`
	MaxListEntries int   `yaml:"max_list_entries"`
	MaxSearchHits  int   `yaml:"max_search_hits"`
}

// GitHubConfig enables git.pr.create and the board drift check.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

// Config is the full operator-facing configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath          string   `yaml:"db_path"`
	LogLevel        string   `yaml:"log_level"`
	PollIntervalSec int      `yaml:"poll_interval_seconds"`
	WorkspaceRoots  []string `yaml:"workspace_roots"`
	DLPMode         string   `yaml:"dlp_mode"`
	ApprovalSecret  string   `yaml:"approval_secret"`
	ApprovalTTLMin  int      `yaml:"approval_ttl_minutes"`
	BoardTTLSec     int      `yaml:"board_cache_ttl_seconds"`

	Lease    LeaseConfig          `yaml:"lease"`
	Retry    RetryConfig          `yaml:"retry"`
	Executor ExecutorConfig       `yaml:"executor"`
	GitHub   GitHubConfig         `yaml:"github"`
	OTel     telemetry.OTelConfig `yaml:"otel"`
}

// HomeDir resolves the orchestrator home, honoring WARROOM_HOME.
func HomeDir() string {
	if override := os.Getenv("WARROOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warroom")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:         homeDir,
		DBPath:          filepath.Join(homeDir, "warroom.db"),
		LogLevel:        "info",
		PollIntervalSec: 5,
		DLPMode:         "redact",
		ApprovalTTLMin:  15,
		BoardTTLSec:     30,
		Lease: LeaseConfig{
			TTLSeconds:            60,
			StaleRunningThreshold: 1800,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffBaseSec: 30,
			BackoffMaxSec:  900,
			JitterSec:      10,
		},
		Executor: ExecutorConfig{
			MaxCommandLen:  4096,
			MaxOutputKB:    256,
			ShellTimeoutS:  60,
			GitTimeoutS:    60,
			MaxReadKB:      512,
			MaxWriteKB:     1024,
			MaxListEntries: 500,
			MaxSearchHits:  200,
		},
	}
}

// Load reads <home>/config.yaml (missing file means defaults) and applies
// environment overrides.
func Load() (Config, error) {
	homeDir := HomeDir()
	cfg := defaults(homeDir)

	raw, err := os.ReadFile(filepath.Join(homeDir, "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARROOM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("WARROOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WARROOM_DLP_MODE"); raw != "" {
		cfg.DLPMode = raw
	}
	if raw := os.Getenv("WARROOM_APPROVAL_SECRET"); raw != "" {
		cfg.ApprovalSecret = raw
	}
	if raw := os.Getenv("WARROOM_GITHUB_TOKEN"); raw != "" {
		cfg.GitHub.Token = raw
	}
	if raw := os.Getenv("WARROOM_POLL_INTERVAL_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.PollIntervalSec = n
		}
	}
	if raw := os.Getenv("WARROOM_LEASE_TTL_SECONDS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Lease.TTLSeconds = n
		}
	}
	if raw := os.Getenv("WARROOM_MAX_ATTEMPTS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
}

func (c Config) validate() error {
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	switch c.DLPMode {
	case "off", "redact", "deny", "":
	default:
		return fmt.Errorf("dlp_mode must be off, redact, or deny")
	}
	return nil
}

// Convenience duration accessors.

func (c Config) PollInterval() time.Duration { return time.Duration(c.PollIntervalSec) * time.Second }

func (c Config) LeaseTTL() time.Duration { return time.Duration(c.Lease.TTLSeconds) * time.Second }

func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.Lease.StaleRunningThreshold) * time.Second
}

func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMin) * time.Minute
}

func (c Config) BoardTTL() time.Duration { return time.Duration(c.BoardTTLSec) * time.Second }

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseSec) * time.Second
}

func (c Config) BackoffMax() time.Duration { return time.Duration(c.Retry.BackoffMaxSec) * time.Second }

func (c Config) BackoffJitter() time.Duration {
	return time.Duration(c.Retry.JitterSec) * time.Second
}

// PolicyPath is where the operator policy file lives.
func (c Config) PolicyPath() string {
	return filepath.Join(c.HomeDir, "policy.yaml")
}
