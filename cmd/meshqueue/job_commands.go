package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"meshqueue/internal/api"
	"meshqueue/internal/jobs"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var pipeline []string
	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a model and create a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			id, err := c.Submit(cmd.Context(), args[0], splitList(pipeline))
			if err != nil {
				return err
			}
			resp := api.SubmitResponse{JobID: id}
			return render(cmd, ctx.output(), resp, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Submitted %s as job %s\n", filepath.Base(args[0]), id)
				return err
			})
		},
	}
	cmd.Flags().StringSliceVarP(&pipeline, "pipeline", "p", nil, "Comma-separated stages (default from api.default_pipeline)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state, artifacts and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, ctx.output(), status, func(w io.Writer) error {
				return writeJobDetail(w, status, shouldColorize(w))
			})
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context(), splitList(states))
			if err != nil {
				return err
			}
			return render(cmd, ctx.output(), api.JobListResponse{Jobs: list}, func(w io.Writer) error {
				if len(list) == 0 {
					_, err := fmt.Fprintln(w, "No jobs")
					return err
				}
				_, err := fmt.Fprintln(w, renderTable(
					[]string{"ID", "State", "Stage", "Pipeline", "Input", "Updated"},
					jobRows(list),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return err
			})
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (repeatable or comma-separated)")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, ctx.output(), status, func(w io.Writer) error {
				msg := fmt.Sprintf("Job %s cancelled", status.ID)
				if status.CancelRequested && status.State != string(jobs.StateCancelled) {
					msg = fmt.Sprintf("Cancel requested for job %s; it stops after the running stage", status.ID)
				}
				_, err := fmt.Fprintln(w, msg)
				return err
			})
		},
	}
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "fetch <job-id> <stage>",
		Short: "Download a stage artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			if outPath == "-" {
				_, _, err := c.Fetch(cmd.Context(), args[0], args[1], cmd.OutOrStdout())
				return err
			}

			dir := "."
			if outPath != "" {
				dir = filepath.Dir(outPath)
			}
			tmp, err := os.CreateTemp(dir, ".meshqueue-fetch-*")
			if err != nil {
				return fmt.Errorf("create download file: %w", err)
			}
			defer os.Remove(tmp.Name())

			name, n, err := c.Fetch(cmd.Context(), args[0], args[1], tmp)
			if closeErr := tmp.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			target := outPath
			if target == "" {
				if name == "" {
					name = args[0] + "-" + args[1]
				}
				target = name
			}
			if err := os.Rename(tmp.Name(), target); err != nil {
				return fmt.Errorf("save artifact: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s (%s bytes)\n", target, strconv.FormatInt(n, 10))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Destination path, or - for stdout (default: artifact name)")
	return cmd
}

func writeJobDetail(w io.Writer, status api.JobStatus, colorize bool) error {
	lines := renderSectionHeader("Job "+status.ID, colorize)
	lines = append(lines,
		renderStatusLine("State", stateKind(status.State), status.State, colorize),
		renderStatusLine("Input", statusInfo, status.InputName, colorize),
		renderStatusLine("Pipeline", statusInfo, strings.Join(status.Pipeline, " -> "), colorize),
	)
	if status.CurrentStage != "" {
		lines = append(lines, renderStatusLine("Current stage", statusInfo,
			fmt.Sprintf("%s (attempts %d)", status.CurrentStage, status.StageAttempts), colorize))
	}
	if status.CancelRequested && status.State != string(jobs.StateCancelled) {
		lines = append(lines, renderStatusLine("Cancel", statusWarn, "requested", colorize))
	}
	if status.Error != nil {
		msg := status.Error.Kind
		if status.Error.Stage != "" {
			msg += " in " + status.Error.Stage
		}
		if status.Error.Code != "" {
			msg += " [" + status.Error.Code + "]"
		}
		lines = append(lines, renderStatusLine("Error", statusError, msg+": "+status.Error.Message, colorize))
	}
	for _, warning := range status.Warnings {
		lines = append(lines, renderStatusLine("Warning", statusWarn, warning, colorize))
	}
	if _, err := fmt.Fprintln(w, strings.Join(lines, "\n")); err != nil {
		return err
	}
	if len(status.Artifacts) > 0 {
		rows := make([][]string, 0, len(status.Artifacts))
		for _, a := range status.Artifacts {
			rows = append(rows, []string{a.Stage, a.Name, a.Ref})
		}
		if _, err := fmt.Fprintln(w, renderTable([]string{"Stage", "Artifact", "Ref"}, rows, nil)); err != nil {
			return err
		}
	}
	if len(status.Report) > 0 {
		if _, err := fmt.Fprintf(w, "Validation report: %s\n", status.Report); err != nil {
			return err
		}
	}
	return nil
}

func jobRows(list []api.JobStatus) [][]string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		stage := job.CurrentStage
		if stage == "" {
			stage = "-"
		}
		rows = append(rows, []string{
			job.ID,
			job.State,
			stage,
			strings.Join(job.Pipeline, ","),
			job.InputName,
			job.UpdatedAt,
		})
	}
	return rows
}

// splitList accepts repeated flags and comma-separated values alike.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
