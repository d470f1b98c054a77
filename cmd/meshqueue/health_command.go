package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"meshqueue/internal/api"
	"meshqueue/internal/jobs"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon, queue and stage tool health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := c.DaemonStatus(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, ctx.output(), status, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, strings.Join(healthLines(status, shouldColorize(w)), "\n"))
				return err
			})
		},
	}
}

func healthLines(status api.DaemonStatus, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	daemonMsg := fmt.Sprintf("pid %d", status.PID)
	if status.StartedAt != "" {
		daemonMsg += ", started " + status.StartedAt
	}
	lines = append(lines, renderStatusLine("Running", statusOK, daemonMsg, colorize))

	if w := status.Workers; w != nil {
		kind := statusOK
		if w.BusySlots >= w.Concurrency {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine("Workers", kind,
			fmt.Sprintf("%d/%d slots busy", w.BusySlots, w.Concurrency), colorize))
	} else {
		lines = append(lines, renderStatusLine("Workers", statusInfo, "no local worker pool", colorize))
	}

	queueKind, queueMsg := statusOK, fmt.Sprintf("%s: %d ready, %d leased, %d dead",
		status.Queue.Backend, status.Queue.Ready, status.Queue.Leased, status.Queue.Dead)
	if status.Queue.Error != "" {
		queueKind, queueMsg = statusError, status.Queue.Error
	} else if status.Queue.Dead > 0 {
		queueKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Queue", queueKind, queueMsg, colorize))

	counts := make([]string, 0, len(status.Jobs))
	for _, state := range jobs.States() {
		if n := status.Jobs[string(state)]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s %d", strings.ToLower(string(state)), n))
		}
	}
	if len(counts) == 0 {
		counts = append(counts, "none")
	}
	lines = append(lines, renderStatusLine("Jobs", statusInfo, strings.Join(counts, ", "), colorize))
	if status.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, status.LastError, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Stage tools", colorize)...)
	for _, stage := range status.StageHealth {
		if stage.Ready {
			lines = append(lines, renderStatusLine(stage.Name, statusOK, "", colorize))
			continue
		}
		lines = append(lines, renderStatusLine(stage.Name, statusError, stage.Detail, colorize))
	}
	return lines
}
