package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"unpackd/internal/ipc"
)

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func newAdmitCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var kind string

	cmd := &cobra.Command{
		Use:   "admit <source>",
		Short: "Submit an archive for processing",
		Long: "Submit an archive for processing. The source is either a local file\n" +
			"path or an http(s) URL. Without --kind, local paths are treated as\n" +
			"uploads and anything else as a link.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := strings.TrimSpace(args[0])
			if source == "" {
				return fmt.Errorf("source is required")
			}

			resolvedKind := strings.TrimSpace(kind)
			if resolvedKind == "" {
				resolvedKind = "link"
				if _, err := os.Stat(source); err == nil {
					resolvedKind = "upload"
				}
			}
			if resolvedKind != "upload" && resolvedKind != "link" {
				return fmt.Errorf("invalid kind %q (expected upload or link)", kind)
			}
			if resolvedKind == "upload" {
				abs, err := filepath.Abs(source)
				if err != nil {
					return fmt.Errorf("resolve source path: %w", err)
				}
				source = abs
			}

			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Admit(owner, source, resolvedKind)
				if err != nil {
					return fmt.Errorf("admit job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Admitted job %d (%s) for %s\n",
					resp.Job.ID, resp.Job.ArchiveName, resp.Job.Owner)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "cli", "Owner identity recorded on the job")
	cmd.Flags().StringVar(&kind, "kind", "", "Source kind: upload or link")
	return cmd
}

func newPasswordCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "password <job-id> <password>",
		Short: "Supply a password to a job waiting on one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Password(jobID, args[1]); err != nil {
					return fmt.Errorf("supply password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password delivered to job %d\n", jobID)
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Cancel(jobID); err != nil {
					return fmt.Errorf("cancel job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %d\n", jobID)
				return nil
			})
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Jobs(statuses)
				if err != nil {
					return fmt.Errorf("list jobs: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(resp.Items))
				for _, item := range resp.Items {
					rows = append(rows, []string{
						strconv.FormatInt(item.ID, 10),
						item.Owner,
						item.ArchiveName,
						jobStatusCell(item),
						item.ProgressMessage,
						humanize.Time(item.CreatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]tableColumn{
						{name: "ID", right: true},
						{name: "Owner"},
						{name: "Archive"},
						{name: "Status"},
						{name: "Progress"},
						{name: "Created"},
					},
					rows,
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil,
		"Filter by status (queued, downloading, extracting, awaiting_password, classifying, completed, failed, cancelled)")
	return cmd
}

func jobStatusCell(item ipc.JobItem) string {
	if item.Status == "failed" && item.FailureReason != "" {
		return item.Status + " (" + item.FailureReason + ")"
	}
	return item.Status
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var page int
	var pageSize int
	var showLinks bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its extracted members and discovered links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Describe(jobID, page, pageSize)
				if err != nil {
					return fmt.Errorf("describe job: %w", err)
				}
				out := cmd.OutOrStdout()
				printJobDetail(out, resp)
				if showLinks {
					printLinkPage(out, resp, page)
				} else {
					printMemberPage(out, resp, page)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&page, "page", 0, "Page of members or links to display")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Entries per page (daemon default when 0)")
	cmd.Flags().BoolVar(&showLinks, "links", false, "Show discovered links instead of members")
	return cmd
}

func printJobDetail(out io.Writer, resp *ipc.DescribeResponse) {
	p := newStatusPrinter(out)
	job := resp.Job

	tone := toneNeutral
	switch job.Status {
	case "completed":
		tone = toneGood
	case "failed":
		tone = toneBad
	case "awaiting_password", "cancelled":
		tone = toneCaution
	}
	p.line("Job", toneNeutral, fmt.Sprintf("%d (%s)", job.ID, job.ArchiveName))
	p.line("Status", tone, jobStatusCell(job))
	if job.ErrorMessage != "" {
		p.line("Error", toneBad, job.ErrorMessage)
	}
	if job.ProgressMessage != "" {
		p.line("Progress", toneNeutral, job.ProgressMessage)
	}
	if job.Format != "" {
		p.line("Format", toneNeutral, job.Format)
	}
	if resp.MemberCount > 0 {
		p.line("Contents", toneNeutral,
			fmt.Sprintf("%d files in %d folders, %s, depth %d",
				resp.MemberCount, resp.FolderCount,
				humanize.IBytes(uint64(resp.TotalBytes)), resp.MaxDepth))
	}
	if resp.LinkCount > 0 {
		p.line("Links", toneNeutral, fmt.Sprintf("%d found", resp.LinkCount))
	}
	if job.WorkspaceReaped {
		p.line("Workspace", toneCaution, "reclaimed")
	} else if !job.RetainUntil.IsZero() {
		p.line("Retained", toneNeutral, "until "+job.RetainUntil.Local().Format(time.RFC822))
	}
	for _, warning := range job.Warnings {
		p.line("Warning", toneCaution, warning)
	}
}

func printMemberPage(out io.Writer, resp *ipc.DescribeResponse, page int) {
	if len(resp.Members) == 0 {
		return
	}
	rows := make([][]string, 0, len(resp.Members))
	for _, m := range resp.Members {
		rows = append(rows, []string{
			strconv.Itoa(m.Index),
			m.Path,
			humanize.IBytes(uint64(m.Size)),
			m.Category,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]tableColumn{
			{name: "#", right: true},
			{name: "Path"},
			{name: "Size", right: true},
			{name: "Category"},
		},
		rows,
	))
	if resp.MemberPages > 1 {
		fmt.Fprintf(out, "Page %d of %d\n", page+1, resp.MemberPages)
	}
}

func printLinkPage(out io.Writer, resp *ipc.DescribeResponse, page int) {
	if len(resp.Links) == 0 {
		fmt.Fprintln(out, "No links discovered")
		return
	}
	rows := make([][]string, 0, len(resp.Links))
	for _, l := range resp.Links {
		rows = append(rows, []string{
			strconv.Itoa(l.Index),
			l.URL,
			l.Kind,
			fmt.Sprintf("%s:%d", l.SourceFile, l.Line),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]tableColumn{
			{name: "#", right: true},
			{name: "URL"},
			{name: "Kind"},
			{name: "Source"},
		},
		rows,
	))
	if resp.LinkPages > 1 {
		fmt.Fprintf(out, "Page %d of %d\n", page+1, resp.LinkPages)
	}
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var outDir string

	cmd := &cobra.Command{
		Use:   "fetch <job-id> [index]",
		Short: "Copy extracted members out of a completed job's workspace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			if !all && len(args) < 2 {
				return fmt.Errorf("member index is required unless --all is set")
			}
			if all && len(args) > 1 {
				return fmt.Errorf("--all does not take a member index")
			}

			dest := strings.TrimSpace(outDir)
			if dest == "" {
				dest = "."
			}
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}

			return ctx.withClient(func(client *ipc.Client) error {
				var members []ipc.MemberItem
				if all {
					resp, err := client.FetchAll(jobID)
					if err != nil {
						return fmt.Errorf("fetch members: %w", err)
					}
					members = resp.Members
				} else {
					index, err := strconv.Atoi(args[1])
					if err != nil || index < 0 {
						return fmt.Errorf("invalid member index %q", args[1])
					}
					resp, err := client.Fetch(jobID, index)
					if err != nil {
						return fmt.Errorf("fetch member: %w", err)
					}
					members = []ipc.MemberItem{resp.Member}
				}

				out := cmd.OutOrStdout()
				for _, member := range members {
					target := filepath.Join(dest, filepath.FromSlash(member.Path))
					if err := copyMemberFile(member.LocalPath, target); err != nil {
						return fmt.Errorf("copy member %d: %w", member.Index, err)
					}
					fmt.Fprintf(out, "Wrote %s (%s)\n", target, humanize.IBytes(uint64(member.Size)))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Fetch every member of the job")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Destination directory (default current directory)")
	return cmd
}

func copyMemberFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func newCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <job-id>",
		Short: "Reclaim a finished job's workspace immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Clean(jobID); err != nil {
					return fmt.Errorf("clean job: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed workspace for job %d\n", jobID)
				return nil
			})
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon's processing loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Stop(); err != nil {
					return fmt.Errorf("stop daemon: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
				return nil
			})
		},
	}
}
