package detector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"verity/internal/backbone"
	"verity/internal/config"
	"verity/internal/deps"
	"verity/internal/logging"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/registry"
	"verity/internal/services"
	"verity/internal/stage"
)

// inferenceSpan is the percent range the inference stage occupies in a
// job's overall progress.
const (
	inferenceStartPercent = 10.0
	inferenceEndPercent   = 85.0
)

// InferenceHandler runs every configured backbone over the sampled frames.
// Backbone loading is serialized by the registry; scoring of already-loaded
// backbones runs concurrently up to the configured worker bound. A single
// backbone's failure degrades the ensemble instead of failing the job.
type InferenceHandler struct {
	cfg       *config.Config
	registry  *registry.Registry
	workspace *Workspace
	emitter   *progress.Emitter
	logger    *slog.Logger
}

// NewInferenceHandler builds the inference stage.
func NewInferenceHandler(cfg *config.Config, reg *registry.Registry, emitter *progress.Emitter, logger *slog.Logger) *InferenceHandler {
	return &InferenceHandler{
		cfg:       cfg,
		registry:  reg,
		workspace: NewWorkspace(cfg.Paths.StagingDir),
		emitter:   emitter,
		logger:    logging.NewComponentLogger(logger, "inference"),
	}
}

// Prepare checks that the sampling output is present.
func (h *InferenceHandler) Prepare(_ context.Context, job *queue.Job) error {
	if _, err := h.workspace.LoadSample(job.ID); err != nil {
		return services.Wrap(services.ErrFrameInference, "inferring", "staging",
			"sampling output missing", err)
	}
	return nil
}

// Execute scores the sampled frames with each backbone and persists the
// per-backbone series for fusion.
func (h *InferenceHandler) Execute(ctx context.Context, job *queue.Job) error {
	sample, err := h.workspace.LoadSample(job.ID)
	if err != nil {
		return services.Wrap(services.ErrFrameInference, "inferring", "staging",
			"sampling output missing", err)
	}

	tracker := progress.NewTracker(h.emitter, job.ID)
	descriptors := backbone.Descriptors(h.cfg)
	records := make([]SeriesRecord, len(descriptors))

	workers := h.cfg.Detection.MaxInferenceWorkers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	span := (inferenceEndPercent - inferenceStartPercent) / float64(len(descriptors))

	for i, desc := range descriptors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			base := inferenceStartPercent + float64(i)*span
			records[i] = h.runBackbone(ctx, job, tracker, desc, sample, base, span)
		}()
	}
	wg.Wait()

	if err := h.workspace.SaveScores(job.ID, Scores{Series: records}); err != nil {
		return services.Wrap(services.ErrFrameInference, "inferring", "staging",
			"persist inference output", err)
	}

	ready := 0
	for _, record := range records {
		if record.Ready {
			ready++
		}
	}
	message := fmt.Sprintf("%d of %d backbones scored", ready, len(records))
	job.SetProgress("inferring", message, inferenceEndPercent)
	h.logger.InfoContext(ctx, "inference finished",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Int("ready", ready),
		logging.Int("configured", len(records)))
	return nil
}

// runBackbone loads one backbone, scores every sampled frame, and releases
// the lease. Failures are captured on the record, never returned.
func (h *InferenceHandler) runBackbone(ctx context.Context, job *queue.Job, tracker *progress.Tracker, desc backbone.Descriptor, sample Sample, base, span float64) SeriesRecord {
	record := SeriesRecord{Name: desc.Name, Prior: desc.Prior}
	if ctx.Err() != nil {
		record.Error = "canceled before load"
		return record
	}
	logger := h.logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldBackbone, desc.Name))

	tracker.Emit(progress.StageLoadingModel(desc.Name), base, "loading "+desc.Name)
	loadStart := time.Now()
	lease, err := h.registry.Acquire(ctx, desc.Name)
	record.LoadMS = time.Since(loadStart).Milliseconds()
	if err != nil {
		record.Error = services.Details(err)
		logger.WarnContext(ctx, "backbone unavailable, continuing degraded", logging.Error(err))
		tracker.Emit(progress.StageLoadingModel(desc.Name), base, desc.Name+" failed to load")
		return record
	}
	defer lease.Release()

	tracker.Emit(progress.StageInferring(desc.Name), base+span*0.2, "scoring with "+desc.Name)
	total := len(sample.FramePaths)
	inferStart := time.Now()
	scores, err := lease.Scorer().Score(ctx, sample.FramePaths, func(frame int) {
		if total == 0 {
			return
		}
		percent := base + span*(0.2+0.8*float64(frame+1)/float64(total))
		tracker.Emit(progress.StageInferring(desc.Name), percent,
			fmt.Sprintf("%s scored frame %d/%d", desc.Name, frame+1, total))
	})
	record.InferMS = time.Since(inferStart).Milliseconds()
	if err != nil {
		record.Error = services.Details(err)
		logger.WarnContext(ctx, "backbone inference failed, continuing degraded", logging.Error(err))
		return record
	}

	record.Ready = true
	record.Scores = scores
	if missing := total - len(scores); missing > 0 {
		logger.WarnContext(ctx, "frames dropped from series",
			logging.Int("missing", missing))
	}
	return record
}

// HealthCheck reports the registry's view of configured backbones and
// whether their scorer runners resolve.
func (h *InferenceHandler) HealthCheck(context.Context) stage.Health {
	if len(h.cfg.Models.Backbones) == 0 {
		return stage.Unhealthy("inference", "no backbones configured")
	}
	requirements := make([]deps.Requirement, 0, len(h.cfg.Models.Backbones))
	for _, backbone := range h.cfg.Models.Backbones {
		requirements = append(requirements, deps.Requirement{Name: backbone.Runner, Command: backbone.Runner})
	}
	if missing := deps.Missing(deps.CheckBinaries(requirements)); len(missing) > 0 {
		return stage.Unhealthy("inference", fmt.Sprintf("runner %s not found in PATH", strings.Join(missing, ", ")))
	}
	return stage.Healthy("inference")
}

var _ stage.Handler = (*InferenceHandler)(nil)
