package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"unpackd/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand())
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load("")
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", path)
			if !exists {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rows := [][]string{
				{"paths.work_dir", cfg.Paths.WorkDir},
				{"paths.log_dir", cfg.Paths.LogDir},
				{"paths.socket_path", cfg.Paths.SocketPath},
				{"limits.max_concurrent_jobs", fmt.Sprintf("%d", cfg.Limits.MaxConcurrentJobs)},
				{"limits.max_queued_jobs", fmt.Sprintf("%d", cfg.Limits.MaxQueuedJobs)},
				{"limits.max_archive_mib", fmt.Sprintf("%d", cfg.Limits.MaxArchiveMiB)},
				{"limits.password_attempts", fmt.Sprintf("%d", cfg.Limits.PasswordAttempts)},
				{"limits.password_timeout", fmt.Sprintf("%d", cfg.Limits.PasswordTimeout)},
				{"retention.window_minutes", fmt.Sprintf("%d", cfg.Retention.WindowMinutes)},
				{"retention.grace_minutes", fmt.Sprintf("%d", cfg.Retention.GraceMinutes)},
				{"retention.record_minutes", fmt.Sprintf("%d", cfg.Retention.RecordMinutes)},
				{"download.timeout_seconds", fmt.Sprintf("%d", cfg.Download.TimeoutSeconds)},
				{"download.chunk_kib", fmt.Sprintf("%d", cfg.Download.ChunkKiB)},
				{"download.user_agent", cfg.Download.UserAgent},
				{"progress.update_interval", fmt.Sprintf("%d", cfg.Progress.UpdateInterval)},
				{"progress.page_size", fmt.Sprintf("%d", cfg.Progress.PageSize)},
				{"workflow.queue_poll_interval", fmt.Sprintf("%d", cfg.Workflow.QueuePollInterval)},
				{"workflow.error_retry_interval", fmt.Sprintf("%d", cfg.Workflow.ErrorRetryInterval)},
				{"logging.format", cfg.Logging.Format},
				{"logging.level", cfg.Logging.Level},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]tableColumn{{name: "Setting"}, {name: "Value"}},
				rows,
			))
			return nil
		},
	}
}
