package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"unpackd/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return fmt.Errorf("query status: %w", err)
				}

				out := cmd.OutOrStdout()
				p := newStatusPrinter(out)

				runningTone := toneGood
				runningText := "processing"
				if !status.Running {
					runningTone = toneCaution
					runningText = "idle"
				}
				p.line("Daemon", runningTone, runningText)
				p.line("PID", toneNeutral, fmt.Sprintf("%d", status.PID))
				if !status.StartedAt.IsZero() {
					uptime := time.Since(status.StartedAt).Round(time.Second)
					p.line("Uptime", toneNeutral, uptime.String())
				}
				p.line("Queue DB", toneNeutral, status.QueueDBPath)
				p.line("Socket", toneNeutral, status.SocketPath)

				healthTone := toneNeutral
				if status.Health.Failed > 0 {
					healthTone = toneCaution
				}
				p.line("Health", healthTone,
					fmt.Sprintf("%d total, %d active, %d failed",
						status.Health.Total, status.Health.Active, status.Health.Failed))

				if len(status.Stats) == 0 {
					p.line("Jobs", toneNeutral, "none")
					return nil
				}

				names := make([]string, 0, len(status.Stats))
				for name := range status.Stats {
					names = append(names, name)
				}
				sort.Strings(names)

				rows := make([][]string, 0, len(names))
				for _, name := range names {
					rows = append(rows, []string{name, fmt.Sprintf("%d", status.Stats[name])})
				}
				fmt.Fprintln(out, renderTable(
					[]tableColumn{{name: "Status"}, {name: "Jobs", right: true}},
					rows,
				))
				return nil
			})
		},
	}
}
