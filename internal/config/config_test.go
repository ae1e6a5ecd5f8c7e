package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()

	if cfg.Limits.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d, want 2", cfg.Limits.MaxConcurrentJobs)
	}
	if cfg.Limits.PasswordAttempts != 3 {
		t.Errorf("PasswordAttempts = %d, want 3", cfg.Limits.PasswordAttempts)
	}
	if cfg.Retention.WindowMinutes != 30 {
		t.Errorf("WindowMinutes = %d, want 30", cfg.Retention.WindowMinutes)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Format = %q, want console", cfg.Logging.Format)
	}
	if got := cfg.PasswordWait(); got != 5*time.Minute {
		t.Errorf("PasswordWait = %v, want 5m", got)
	}
	if got := cfg.MaxArchiveBytes(); got != 2048*1024*1024 {
		t.Errorf("MaxArchiveBytes = %d", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Error("exists should be false for missing file")
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if cfg.Limits.MaxArchiveMiB != 2048 {
		t.Errorf("MaxArchiveMiB = %d, want 2048", cfg.Limits.MaxArchiveMiB)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[limits]
max_concurrent_jobs = 5
password_attempts = 1

[retention]
window_minutes = 7

[logging]
format = "json"
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("exists should be true")
	}
	if cfg.Limits.MaxConcurrentJobs != 5 {
		t.Errorf("MaxConcurrentJobs = %d, want 5", cfg.Limits.MaxConcurrentJobs)
	}
	if cfg.Limits.PasswordAttempts != 1 {
		t.Errorf("PasswordAttempts = %d, want 1", cfg.Limits.PasswordAttempts)
	}
	if cfg.RetentionWindow() != 7*time.Minute {
		t.Errorf("RetentionWindow = %v, want 7m", cfg.RetentionWindow())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format = %q, want json", cfg.Logging.Format)
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported log format")
	}
}

func TestValidateRejectsSharedDirs(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cfg.Paths.LogDir = cfg.Paths.WorkDir
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for shared work/log dirs")
	}
}

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	expanded, err := ExpandPath("~/unpackd-test")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if !strings.HasPrefix(expanded, home) {
		t.Errorf("expanded = %q, want prefix %q", expanded, home)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(data), "[limits]") {
		t.Error("sample config missing [limits] section")
	}

	// The sample must load cleanly.
	if _, _, _, err := Load(path); err != nil {
		t.Fatalf("Load sample: %v", err)
	}
}
