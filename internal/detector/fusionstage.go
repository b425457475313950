package detector

import (
	"context"
	"fmt"
	"log/slog"

	"verity/internal/analytics"
	"verity/internal/config"
	"verity/internal/fusion"
	"verity/internal/logging"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/services"
	"verity/internal/stage"
)

// FusionHandler combines the backbone series into the final verdict and
// statistics block, then clears the job's staging area.
type FusionHandler struct {
	cfg       *config.Config
	engine    *fusion.Engine
	workspace *Workspace
	emitter   *progress.Emitter
	logger    *slog.Logger
}

// NewFusionHandler builds the fusion stage.
func NewFusionHandler(cfg *config.Config, emitter *progress.Emitter, logger *slog.Logger) *FusionHandler {
	return &FusionHandler{
		cfg:       cfg,
		engine:    fusion.NewEngine(cfg.Detection.HighThreshold, cfg.Detection.LowThreshold),
		workspace: NewWorkspace(cfg.Paths.StagingDir),
		emitter:   emitter,
		logger:    logging.NewComponentLogger(logger, "fusion"),
	}
}

// Prepare checks that the inference output is present.
func (h *FusionHandler) Prepare(_ context.Context, job *queue.Job) error {
	if _, err := h.workspace.LoadScores(job.ID); err != nil {
		return services.Wrap(services.ErrNoModels, "fusing", "staging",
			"inference output missing", err)
	}
	return nil
}

// Execute fuses the series, attaches analytics, and stores the result JSON
// on the job. With zero ready backbones the job fails with no partial
// result.
func (h *FusionHandler) Execute(ctx context.Context, job *queue.Job) error {
	tracker := progress.NewTracker(h.emitter, job.ID)
	tracker.Emit(progress.StageFusing, 90, "fusing backbone scores")
	job.SetProgress(progress.StageFusing, "fusing backbone scores", 90)

	sample, err := h.workspace.LoadSample(job.ID)
	if err != nil {
		return services.Wrap(services.ErrNoModels, "fusing", "staging",
			"sampling output missing", err)
	}
	scores, err := h.workspace.LoadScores(job.ID)
	if err != nil {
		return services.Wrap(services.ErrNoModels, "fusing", "staging",
			"inference output missing", err)
	}

	fused, err := h.engine.Fuse(len(sample.FramePaths), scores.ToSeries())
	if err != nil {
		return err
	}

	stats := analytics.Compute(fused.PerFrame, analytics.Options{
		Window:        h.cfg.Detection.TrendWindow,
		PeakThreshold: h.cfg.Detection.PeakThreshold,
	})

	result := Result{
		VideoProbability:   fused.VideoProbability,
		Verdict:            fused.Verdict,
		PerBackbone:        fused.PerBackbone,
		PerFrameConfidence: fused.PerFrame,
		Statistics:         stats,
		SampledFrames:      len(sample.FramePaths),
		TotalFrames:        sample.TotalFrames,
	}
	encoded, err := result.Encode()
	if err != nil {
		return services.Wrap(services.ErrNoModels, "fusing", "encode", "encode result", err)
	}
	job.ResultJSON = encoded

	message := fmt.Sprintf("verdict %s (probability %.3f)", fused.Verdict, fused.VideoProbability)
	job.SetProgress(progress.StageCompleted, message, 100)
	tracker.Emit(progress.StageCompleted, 100, message)
	h.logger.InfoContext(ctx, "fusion finished",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("verdict", string(fused.Verdict)),
		logging.Float64("probability", fused.VideoProbability))

	if err := h.workspace.Cleanup(job.ID); err != nil {
		h.logger.WarnContext(ctx, "staging cleanup failed", logging.Error(err))
	}
	return nil
}

// HealthCheck verifies the configured thresholds are sane.
func (h *FusionHandler) HealthCheck(context.Context) stage.Health {
	if h.cfg.Detection.HighThreshold <= h.cfg.Detection.LowThreshold {
		return stage.Unhealthy("fusion", "high threshold must exceed low threshold")
	}
	return stage.Healthy("fusion")
}

var _ stage.Handler = (*FusionHandler)(nil)
