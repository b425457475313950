package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"verity/internal/config"
	"verity/internal/detector"
	"verity/internal/queue"
)

const followPollInterval = 500 * time.Millisecond

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var frames int
	var follow bool

	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Queue a video for deepfake analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("inspect video %q: %w", path, err)
			}
			if info.IsDir() {
				return fmt.Errorf("%q is a directory, expected a video file", path)
			}

			out := cmd.OutOrStdout()
			jobID, err := submitVideo(cmd.Context(), ctx, cfg, path, frames, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queued job %d for %s\n", jobID, path)

			if !follow {
				return nil
			}
			return followJob(cmd.Context(), ctx, cfg, jobID, out)
		},
	}

	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "Frames to sample (defaults to the configured count)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Wait for the analysis and print progress")
	return cmd
}

// submitVideo queues through the daemon API when it is reachable, falling
// back to direct queue access so videos can be staged before the daemon runs.
func submitVideo(ctx context.Context, cctx *commandContext, cfg *config.Config, path string, frames int, out io.Writer) (int64, error) {
	if client := newAPIClient(cfg); client != nil {
		job, err := client.submit(ctx, path, frames)
		if err == nil {
			return job.ID, nil
		}
		if !errors.Is(err, errDaemonUnavailable) {
			return 0, err
		}
	}

	fmt.Fprintln(out, "Daemon not running; the job will start with the next daemon run")
	if frames <= 0 {
		frames = cfg.Detection.FrameCount
	}
	var jobID int64
	err := cctx.withStore(ctx, func(store *queue.Store) error {
		job, err := store.NewVideo(ctx, path, frames)
		if err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	return jobID, err
}

// followJob polls the job until it reaches a terminal status, printing each
// progress transition once.
func followJob(ctx context.Context, cctx *commandContext, cfg *config.Config, jobID int64, out io.Writer) error {
	var lastLine string
	for {
		job, result, err := lookupJob(ctx, cctx, cfg, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("job %d disappeared from the queue", jobID)
		}

		if line := progressLine(job); line != "" && line != lastLine {
			fmt.Fprintln(out, line)
			lastLine = line
		}

		switch job.Status {
		case queue.StatusCompleted:
			if result == nil && job.ResultJSON != "" {
				if decoded, err := detector.DecodeResult(job.ResultJSON); err == nil {
					result = &decoded
				}
			}
			if result != nil {
				fmt.Fprintln(out)
				printResult(out, *result, shouldColorize(out))
			}
			return nil
		case queue.StatusFailed:
			return fmt.Errorf("analysis failed: %s", job.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(followPollInterval):
		}
	}
}

// lookupJob prefers the daemon API and falls back to the queue database.
func lookupJob(ctx context.Context, cctx *commandContext, cfg *config.Config, jobID int64) (*queue.Job, *detector.Result, error) {
	if client := newAPIClient(cfg); client != nil {
		view, result, err := client.fetch(ctx, jobID)
		if err == nil {
			return jobFromView(view), result, nil
		}
		if !errors.Is(err, errDaemonUnavailable) {
			return nil, nil, err
		}
	}

	var job *queue.Job
	err := cctx.withStore(ctx, func(store *queue.Store) error {
		found, err := store.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		job = found
		return nil
	})
	return job, nil, err
}

func jobFromView(view apiJob) *queue.Job {
	return &queue.Job{
		ID:              view.ID,
		SourcePath:      view.SourcePath,
		Title:           view.Title,
		Status:          queue.Status(view.Status),
		FrameCount:      view.FrameCount,
		SampledFrames:   view.SampledFrames,
		ProgressStage:   view.ProgressStage,
		ProgressPercent: view.ProgressPercent,
		ProgressMessage: view.ProgressMessage,
		ErrorMessage:    view.ErrorMessage,
		CreatedAt:       parseAPITime(view.CreatedAt),
		UpdatedAt:       parseAPITime(view.UpdatedAt),
	}
}

func progressLine(job *queue.Job) string {
	if job.ProgressStage == "" {
		return ""
	}
	line := fmt.Sprintf("[%3.0f%%] %s", job.ProgressPercent, stageLabel(job.ProgressStage))
	if job.ProgressMessage != "" {
		line += " - " + job.ProgressMessage
	}
	return line
}
