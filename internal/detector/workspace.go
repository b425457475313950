package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"verity/internal/fusion"
)

// Workspace lays out the per-job staging area holding extracted frames and
// intermediate stage output. Everything under a job's directory is deleted
// when the job leaves the pipeline.
type Workspace struct {
	root string
}

// NewWorkspace roots a workspace at the configured staging directory.
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// JobDir returns the staging directory for a job.
func (w *Workspace) JobDir(jobID int64) string {
	return filepath.Join(w.root, fmt.Sprintf("job-%d", jobID))
}

// FramesDir returns the directory extracted frames land in.
func (w *Workspace) FramesDir(jobID int64) string {
	return filepath.Join(w.JobDir(jobID), "frames")
}

// Cleanup removes a job's staging directory.
func (w *Workspace) Cleanup(jobID int64) error {
	return os.RemoveAll(w.JobDir(jobID))
}

// Sample is the persisted output of the sampling stage.
type Sample struct {
	FramePaths  []string `json:"frame_paths"`
	Indices     []int    `json:"indices"`
	TotalFrames int      `json:"total_frames"`
	Duration    float64  `json:"duration_seconds"`
}

// Scores is the persisted output of the inference stage: one series per
// configured backbone, ready or not.
type Scores struct {
	Series []SeriesRecord `json:"series"`
}

// SeriesRecord is the JSON shape of one backbone's series.
type SeriesRecord struct {
	Name    string          `json:"name"`
	Prior   float64         `json:"prior"`
	Ready   bool            `json:"ready"`
	Scores  map[int]float64 `json:"scores,omitempty"`
	LoadMS  int64           `json:"load_ms"`
	InferMS int64           `json:"infer_ms"`
	Error   string          `json:"error,omitempty"`
}

// ToSeries converts the persisted records into fusion inputs.
func (s Scores) ToSeries() []fusion.Series {
	series := make([]fusion.Series, 0, len(s.Series))
	for _, record := range s.Series {
		series = append(series, fusion.Series{
			Name:          record.Name,
			Prior:         record.Prior,
			Ready:         record.Ready,
			Scores:        record.Scores,
			LoadDuration:  time.Duration(record.LoadMS) * time.Millisecond,
			InferDuration: time.Duration(record.InferMS) * time.Millisecond,
			Err:           record.Error,
		})
	}
	return series
}

// SaveSample persists the sampling output for the inference stage.
func (w *Workspace) SaveSample(jobID int64, sample Sample) error {
	return w.saveJSON(jobID, "sample.json", sample)
}

// LoadSample reads the sampling output back.
func (w *Workspace) LoadSample(jobID int64) (Sample, error) {
	var sample Sample
	err := w.loadJSON(jobID, "sample.json", &sample)
	return sample, err
}

// SaveScores persists the inference output for the fusion stage.
func (w *Workspace) SaveScores(jobID int64, scores Scores) error {
	return w.saveJSON(jobID, "scores.json", scores)
}

// LoadScores reads the inference output back.
func (w *Workspace) LoadScores(jobID int64) (Scores, error) {
	var scores Scores
	err := w.loadJSON(jobID, "scores.json", &scores)
	return scores, err
}

func (w *Workspace) saveJSON(jobID int64, name string, value any) error {
	dir := w.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (w *Workspace) loadJSON(jobID int64, name string, value any) error {
	payload, err := os.ReadFile(filepath.Join(w.JobDir(jobID), name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(payload, value); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
