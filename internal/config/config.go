package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and socket configuration.
type Paths struct {
	WorkDir    string `toml:"work_dir"`
	LogDir     string `toml:"log_dir"`
	SocketPath string `toml:"socket_path"`
}

// Limits bounds job admission and the password retry loop.
type Limits struct {
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	MaxQueuedJobs     int `toml:"max_queued_jobs"` // 0 = unlimited
	MaxArchiveMiB     int `toml:"max_archive_mib"`
	PasswordAttempts  int `toml:"password_attempts"`
	PasswordTimeout   int `toml:"password_timeout"` // seconds
}

// Retention controls workspace reclamation timing.
type Retention struct {
	WindowMinutes int `toml:"window_minutes"`
	GraceMinutes  int `toml:"grace_minutes"`
	RecordMinutes int `toml:"record_minutes"`
}

// Download contains settings for fetching remote artifacts.
type Download struct {
	TimeoutSeconds int    `toml:"timeout_seconds"` // 0 = no overall timeout
	ChunkKiB       int    `toml:"chunk_kib"`
	UserAgent      string `toml:"user_agent"`
}

// Progress controls update rendering cadence and index pagination.
type Progress struct {
	UpdateInterval int `toml:"update_interval"` // seconds between rendered updates
	PageSize       int `toml:"page_size"`
}

// Workflow contains daemon timing intervals.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for unpackd.
//
// Sections by subsystem:
//   - Paths: workspace root, log directory, IPC socket
//   - Limits: concurrency, archive size budget, password attempts/timeout
//   - Retention: workspace retention window and grace periods
//   - Download: remote artifact fetch settings
//   - Progress: rendered update cadence and index page size
//   - Workflow: daemon polling intervals
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Limits    Limits    `toml:"limits"`
	Retention Retention `toml:"retention"`
	Download  Download  `toml:"download"`
	Progress  Progress  `toml:"progress"`
	Workflow  Workflow  `toml:"workflow"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/unpackd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("unpackd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.WorkDir, err = expandPath(defaultString(c.Paths.WorkDir, defaultWorkDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(defaultString(c.Paths.LogDir, defaultLogDir)); err != nil {
		return err
	}
	if c.Paths.SocketPath, err = expandPath(defaultString(c.Paths.SocketPath, defaultSocketPath)); err != nil {
		return err
	}

	if c.Limits.MaxConcurrentJobs <= 0 {
		c.Limits.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if c.Limits.MaxQueuedJobs < 0 {
		c.Limits.MaxQueuedJobs = 0
	}
	if c.Limits.MaxArchiveMiB <= 0 {
		c.Limits.MaxArchiveMiB = defaultMaxArchiveMiB
	}
	if c.Limits.PasswordAttempts <= 0 {
		c.Limits.PasswordAttempts = defaultPasswordAttempts
	}
	if c.Limits.PasswordTimeout <= 0 {
		c.Limits.PasswordTimeout = defaultPasswordTimeout
	}

	if c.Retention.WindowMinutes <= 0 {
		c.Retention.WindowMinutes = defaultRetentionWindowMinutes
	}
	if c.Retention.GraceMinutes <= 0 {
		c.Retention.GraceMinutes = defaultRetentionGraceMinutes
	}
	if c.Retention.RecordMinutes <= 0 {
		c.Retention.RecordMinutes = defaultRetentionRecordMinutes
	}

	if c.Download.ChunkKiB <= 0 {
		c.Download.ChunkKiB = defaultDownloadChunkKiB
	}
	if c.Download.TimeoutSeconds < 0 {
		c.Download.TimeoutSeconds = 0
	}
	c.Download.UserAgent = defaultString(strings.TrimSpace(c.Download.UserAgent), defaultDownloadUserAgent)

	if c.Progress.UpdateInterval <= 0 {
		c.Progress.UpdateInterval = defaultProgressUpdateInterval
	}
	if c.Progress.PageSize <= 0 {
		c.Progress.PageSize = defaultProgressPageSize
	}

	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}

	c.Logging.Format = defaultString(strings.ToLower(strings.TrimSpace(c.Logging.Format)), defaultLogFormat)
	c.Logging.Level = defaultString(strings.ToLower(strings.TrimSpace(c.Logging.Level)), defaultLogLevel)

	return nil
}

// Validate checks configuration invariants that normalize cannot repair.
func (c *Config) Validate() error {
	if c.Paths.WorkDir == c.Paths.LogDir {
		return errors.New("work_dir and log_dir must differ")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir, filepath.Dir(c.Paths.SocketPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// MaxArchiveBytes returns the workspace byte budget per job.
func (c *Config) MaxArchiveBytes() int64 {
	return int64(c.Limits.MaxArchiveMiB) * 1024 * 1024
}

// PasswordWait returns the maximum time a job blocks awaiting a password.
func (c *Config) PasswordWait() time.Duration {
	return time.Duration(c.Limits.PasswordTimeout) * time.Second
}

// RetentionWindow returns the time after job creation at which the workspace
// becomes eligible for reclamation.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.WindowMinutes) * time.Minute
}

// RetentionGrace returns the single extension granted to jobs still active at
// their retention deadline.
func (c *Config) RetentionGrace() time.Duration {
	return time.Duration(c.Retention.GraceMinutes) * time.Minute
}

// RecordGrace returns how long a reaped job's terminal record stays queryable.
func (c *Config) RecordGrace() time.Duration {
	return time.Duration(c.Retention.RecordMinutes) * time.Minute
}

// UpdateInterval returns the minimum delay between rendered progress updates.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Progress.UpdateInterval) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
