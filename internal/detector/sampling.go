package detector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"verity/internal/config"
	"verity/internal/deps"
	"verity/internal/logging"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/sampler"
	"verity/internal/services"
	"verity/internal/stage"
)

// SamplingHandler extracts the evenly spaced frame set for a job.
type SamplingHandler struct {
	cfg       *config.Config
	sampler   *sampler.Sampler
	workspace *Workspace
	emitter   *progress.Emitter
	logger    *slog.Logger
}

// NewSamplingHandler builds the sampling stage.
func NewSamplingHandler(cfg *config.Config, emitter *progress.Emitter, logger *slog.Logger) *SamplingHandler {
	return &SamplingHandler{
		cfg:       cfg,
		sampler:   sampler.New(cfg, logger),
		workspace: NewWorkspace(cfg.Paths.StagingDir),
		emitter:   emitter,
		logger:    logging.NewComponentLogger(logger, "sampling"),
	}
}

// Prepare verifies the source video is readable before any work starts.
func (h *SamplingHandler) Prepare(_ context.Context, job *queue.Job) error {
	info, err := os.Stat(job.SourcePath)
	if err != nil {
		return services.Wrap(services.ErrDecode, "sampling", "stat",
			fmt.Sprintf("source %s unreadable", job.SourcePath), err)
	}
	if info.IsDir() {
		return services.Wrap(services.ErrDecode, "sampling", "stat",
			fmt.Sprintf("source %s is a directory", job.SourcePath), nil)
	}
	return nil
}

// Execute runs frame extraction and persists the sample for inference.
func (h *SamplingHandler) Execute(ctx context.Context, job *queue.Job) error {
	tracker := progress.NewTracker(h.emitter, job.ID)
	tracker.Emit(progress.StageSampling, 2, "extracting frames")
	job.SetProgress(progress.StageSampling, "extracting frames", 2)

	frameCount := job.FrameCount
	if frameCount <= 0 {
		frameCount = h.cfg.Detection.FrameCount
	}

	result, err := h.sampler.Sample(ctx, job.SourcePath, frameCount, h.workspace.FramesDir(job.ID))
	if err != nil {
		return err
	}

	sample := Sample{
		FramePaths:  result.FramePaths,
		Indices:     result.Indices,
		TotalFrames: result.TotalFrames,
		Duration:    result.Duration,
	}
	if err := h.workspace.SaveSample(job.ID, sample); err != nil {
		return services.Wrap(services.ErrExternalTool, "sampling", "staging",
			"persist sample output", err)
	}

	job.SampledFrames = len(result.FramePaths)
	message := fmt.Sprintf("sampled %d of %d frames", job.SampledFrames, result.TotalFrames)
	job.SetProgress(progress.StageSampling, message, 10)
	tracker.Emit(progress.StageSampling, 10, message)
	h.logger.InfoContext(ctx, "sampling finished",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int("frames", job.SampledFrames))
	return nil
}

// HealthCheck reports whether ffmpeg and ffprobe are resolvable.
func (h *SamplingHandler) HealthCheck(context.Context) stage.Health {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "ffmpeg", Command: h.cfg.FFmpegBinary()},
		{Name: "ffprobe", Command: h.cfg.FFprobeBinary()},
	})
	if missing := deps.Missing(statuses); len(missing) > 0 {
		return stage.Unhealthy("sampling", fmt.Sprintf("%s not found in PATH", strings.Join(missing, ", ")))
	}
	return stage.Healthy("sampling")
}

var _ stage.Handler = (*SamplingHandler)(nil)
