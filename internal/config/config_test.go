package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Setenv("WARROOM_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Lease.TTLSeconds != 60 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.DLPMode != "redact" {
		t.Fatalf("default dlp_mode = %q", cfg.DLPMode)
	}
	if cfg.LeaseTTL() != time.Minute {
		t.Fatalf("lease ttl = %v", cfg.LeaseTTL())
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARROOM_HOME", home)
	yaml := `
log_level: debug
poll_interval_seconds: 2
dlp_mode: deny
retry:
  max_attempts: 5
lease:
  ttl_seconds: 120
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WARROOM_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.PollIntervalSec != 2 || cfg.DLPMode != "deny" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Lease.TTLSeconds != 120 {
		t.Fatalf("lease ttl = %d", cfg.Lease.TTLSeconds)
	}
	// Env beats YAML.
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("max_attempts = %d, want env override 7", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARROOM_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("dlp_mode: shouty\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatalf("invalid dlp_mode must fail")
	}
}
