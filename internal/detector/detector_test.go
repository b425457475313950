package detector

import (
	"context"
	"errors"
	"os"
	"testing"

	"verity/internal/backbone"
	"verity/internal/config"
	"verity/internal/fusion"
	"verity/internal/logging"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/registry"
	"verity/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.StagingDir = t.TempDir()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Models.Backbones = []config.Backbone{
		{Name: "alpha", Runner: "scorer", WeightsPath: "/w/a", InputSize: 224, FeatureDim: 8, ResidentMB: 10, Prior: 0.6},
		{Name: "beta", Runner: "scorer", WeightsPath: "/w/b", InputSize: 224, FeatureDim: 8, ResidentMB: 10, Prior: 0.4},
	}
	return &cfg
}

type stubScorer struct {
	desc   backbone.Descriptor
	scores map[int]float64
	err    error
}

func (s *stubScorer) Descriptor() backbone.Descriptor { return s.desc }
func (s *stubScorer) ResidentBytes() int64            { return s.desc.ResidentBytesHint() }
func (s *stubScorer) Close() error                    { return nil }

func (s *stubScorer) Score(_ context.Context, frames []string, progress func(int)) (map[int]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[int]float64, len(frames))
	for i := range frames {
		if value, scored := s.scores[i]; scored {
			out[i] = value
			if progress != nil {
				progress(i)
			}
		}
	}
	return out, nil
}

func uniform(frames int, value float64) map[int]float64 {
	scores := make(map[int]float64, frames)
	for i := range frames {
		scores[i] = value
	}
	return scores
}

func writeSample(t *testing.T, ws *Workspace, jobID int64, frames int) Sample {
	t.Helper()
	sample := Sample{TotalFrames: frames * 10}
	for i := range frames {
		sample.FramePaths = append(sample.FramePaths, "frame.jpg")
		sample.Indices = append(sample.Indices, i*10)
	}
	if err := ws.SaveSample(jobID, sample); err != nil {
		t.Fatalf("SaveSample: %v", err)
	}
	return sample
}

func TestWorkspaceRoundTrip(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	sample := Sample{FramePaths: []string{"a.jpg"}, Indices: []int{3}, TotalFrames: 9, Duration: 1.5}
	if err := ws.SaveSample(5, sample); err != nil {
		t.Fatalf("SaveSample: %v", err)
	}
	loaded, err := ws.LoadSample(5)
	if err != nil {
		t.Fatalf("LoadSample: %v", err)
	}
	if loaded.TotalFrames != 9 || loaded.Indices[0] != 3 {
		t.Fatalf("sample round trip lost data: %+v", loaded)
	}

	scores := Scores{Series: []SeriesRecord{{Name: "alpha", Prior: 0.6, Ready: true, Scores: map[int]float64{0: 0.8}}}}
	if err := ws.SaveScores(5, scores); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}
	reloaded, err := ws.LoadScores(5)
	if err != nil {
		t.Fatalf("LoadScores: %v", err)
	}
	series := reloaded.ToSeries()
	if len(series) != 1 || series[0].Scores[0] != 0.8 {
		t.Fatalf("scores round trip lost data: %+v", series)
	}

	if err := ws.Cleanup(5); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(ws.JobDir(5)); !os.IsNotExist(err) {
		t.Fatal("job dir should be removed")
	}
}

func TestInferenceExecuteScoresAllBackbones(t *testing.T) {
	cfg := testConfig(t)
	loader := func(_ context.Context, desc backbone.Descriptor) (backbone.Scorer, error) {
		return &stubScorer{desc: desc, scores: uniform(4, 0.9)}, nil
	}
	reg := registry.New(cfg, loader, logging.NewNop())
	defer reg.Close()
	emitter := progress.NewEmitter(logging.NewNop())
	defer emitter.Close()

	handler := NewInferenceHandler(cfg, reg, emitter, logging.NewNop())
	job := &queue.Job{ID: 1, Status: queue.StatusInferring}
	writeSample(t, handler.workspace, job.ID, 4)

	if err := handler.Prepare(t.Context(), job); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := handler.Execute(t.Context(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	scores, err := handler.workspace.LoadScores(job.ID)
	if err != nil {
		t.Fatalf("LoadScores: %v", err)
	}
	if len(scores.Series) != 2 {
		t.Fatalf("expected a record per backbone, got %d", len(scores.Series))
	}
	for _, record := range scores.Series {
		if !record.Ready || len(record.Scores) != 4 {
			t.Fatalf("backbone should be ready with full series: %+v", record)
		}
	}
}

func TestInferenceExecuteToleratesBackboneFailure(t *testing.T) {
	cfg := testConfig(t)
	loader := func(_ context.Context, desc backbone.Descriptor) (backbone.Scorer, error) {
		if desc.Name == "beta" {
			return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name, "weights missing", nil)
		}
		return &stubScorer{desc: desc, scores: uniform(4, 0.2)}, nil
	}
	reg := registry.New(cfg, loader, logging.NewNop())
	defer reg.Close()
	emitter := progress.NewEmitter(logging.NewNop())
	defer emitter.Close()

	handler := NewInferenceHandler(cfg, reg, emitter, logging.NewNop())
	job := &queue.Job{ID: 2, Status: queue.StatusInferring}
	writeSample(t, handler.workspace, job.ID, 4)

	if err := handler.Execute(t.Context(), job); err != nil {
		t.Fatalf("a single backbone failure must not fail the stage: %v", err)
	}

	scores, err := handler.workspace.LoadScores(job.ID)
	if err != nil {
		t.Fatalf("LoadScores: %v", err)
	}
	for _, record := range scores.Series {
		switch record.Name {
		case "alpha":
			if !record.Ready {
				t.Fatalf("alpha should be ready: %+v", record)
			}
		case "beta":
			if record.Ready {
				t.Fatalf("beta should not be ready: %+v", record)
			}
			if record.Error != "loading: beta: weights missing" {
				t.Fatalf("beta should carry its failure message without the marker prefix, got %q", record.Error)
			}
		}
	}
}

func TestFusionExecuteProducesResult(t *testing.T) {
	cfg := testConfig(t)
	emitter := progress.NewEmitter(logging.NewNop())
	defer emitter.Close()

	handler := NewFusionHandler(cfg, emitter, logging.NewNop())
	job := &queue.Job{ID: 3, Status: queue.StatusFusing, Title: "clip"}
	writeSample(t, handler.workspace, job.ID, 4)
	scores := Scores{Series: []SeriesRecord{
		{Name: "alpha", Prior: 0.6, Ready: true, Scores: uniform(4, 0.9)},
		{Name: "beta", Prior: 0.4, Ready: true, Scores: uniform(4, 0.8)},
	}}
	if err := handler.workspace.SaveScores(job.ID, scores); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}

	if err := handler.Execute(t.Context(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if job.ResultJSON == "" {
		t.Fatal("job should carry the encoded result")
	}
	result, err := DecodeResult(job.ResultJSON)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if result.Verdict != fusion.VerdictFake {
		t.Fatalf("expected FAKE verdict, got %s", result.Verdict)
	}
	if len(result.PerFrameConfidence) != 4 {
		t.Fatalf("expected 4 fused frames, got %d", len(result.PerFrameConfidence))
	}
	if result.Statistics.Mean == 0 {
		t.Fatal("statistics block should be populated")
	}
	if _, err := os.Stat(handler.workspace.JobDir(job.ID)); !os.IsNotExist(err) {
		t.Fatal("staging dir should be cleaned after fusion")
	}
}

func TestFusionExecuteFailsWithNoModels(t *testing.T) {
	cfg := testConfig(t)
	emitter := progress.NewEmitter(logging.NewNop())
	defer emitter.Close()

	handler := NewFusionHandler(cfg, emitter, logging.NewNop())
	job := &queue.Job{ID: 4, Status: queue.StatusFusing}
	writeSample(t, handler.workspace, job.ID, 4)
	scores := Scores{Series: []SeriesRecord{
		{Name: "alpha", Prior: 0.6, Error: "load failed"},
		{Name: "beta", Prior: 0.4, Error: "load failed"},
	}}
	if err := handler.workspace.SaveScores(job.ID, scores); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}

	err := handler.Execute(t.Context(), job)
	if !errors.Is(err, services.ErrNoModels) {
		t.Fatalf("expected ErrNoModels, got %v", err)
	}
	if job.ResultJSON != "" {
		t.Fatal("no partial result may be persisted")
	}
}

func TestSamplingPrepareRejectsMissingSource(t *testing.T) {
	cfg := testConfig(t)
	emitter := progress.NewEmitter(logging.NewNop())
	defer emitter.Close()

	handler := NewSamplingHandler(cfg, emitter, logging.NewNop())
	job := &queue.Job{ID: 5, SourcePath: "/nonexistent/video.mp4"}
	err := handler.Prepare(t.Context(), job)
	if !errors.Is(err, services.ErrDecode) {
		t.Fatalf("expected ErrDecode for missing source, got %v", err)
	}
	if !services.IsFatal(err) {
		t.Fatal("decode failures are fatal to the job")
	}
}
