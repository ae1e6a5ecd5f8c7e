package config

const (
	defaultWorkDir    = "~/.local/share/unpackd/work"
	defaultLogDir     = "~/.local/share/unpackd/logs"
	defaultSocketPath = "~/.local/share/unpackd/unpackd.sock"

	defaultMaxConcurrentJobs = 2
	defaultMaxArchiveMiB     = 2048
	defaultPasswordAttempts  = 3
	defaultPasswordTimeout   = 300

	defaultRetentionWindowMinutes = 30
	defaultRetentionGraceMinutes  = 10
	defaultRetentionRecordMinutes = 10

	defaultDownloadChunkKiB  = 64
	defaultDownloadUserAgent = "unpackd/dev"

	defaultProgressUpdateInterval = 4
	defaultProgressPageSize       = 25

	defaultQueuePollInterval  = 2
	defaultErrorRetryInterval = 10

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a configuration populated with built-in defaults. Paths are
// not yet expanded; Load handles that via normalize.
func Default() Config {
	cfg := Config{}
	_ = cfg.normalize()
	return cfg
}
