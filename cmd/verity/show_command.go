package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"verity/internal/detector"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its detection result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			job, result, err := lookupJob(cmd.Context(), ctx, cfg, id)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %d not found", id)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			for _, line := range renderSectionHeader("Job", colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("ID", statusInfo, strconv.FormatInt(job.ID, 10), colorize))
			fmt.Fprintln(out, renderStatusLine("Title", statusInfo, job.Title, colorize))
			fmt.Fprintln(out, renderStatusLine("Source", statusInfo, job.SourcePath, colorize))
			fmt.Fprintln(out, renderStatusLine("Status", jobStatusKind(string(job.Status)), statusLabel(string(job.Status)), colorize))
			if job.ProgressStage != "" {
				fmt.Fprintln(out, renderStatusLine("Stage", statusInfo,
					fmt.Sprintf("%s (%.0f%%)", stageLabel(job.ProgressStage), job.ProgressPercent), colorize))
			}
			if job.ErrorMessage != "" {
				fmt.Fprintln(out, renderStatusLine("Error", statusError, job.ErrorMessage, colorize))
			}
			if !job.CreatedAt.IsZero() {
				fmt.Fprintln(out, renderStatusLine("Queued", statusInfo, humanize.Time(job.CreatedAt), colorize))
			}

			if result == nil && job.ResultJSON != "" {
				if decoded, err := detector.DecodeResult(job.ResultJSON); err == nil {
					result = &decoded
				}
			}
			if result == nil {
				fmt.Fprintln(out, "No detection result recorded yet")
				return nil
			}
			fmt.Fprintln(out)
			printResult(out, *result, colorize)
			return nil
		},
	}
}

func jobStatusKind(status string) statusKind {
	switch status {
	case "completed":
		return statusOK
	case "failed":
		return statusError
	default:
		return statusInfo
	}
}

func parseAPITime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
