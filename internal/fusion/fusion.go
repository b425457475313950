package fusion

import (
	"time"

	"verity/internal/services"
)

// Verdict is the banded classification of a video.
type Verdict string

const (
	VerdictFake       Verdict = "FAKE"
	VerdictReal       Verdict = "REAL"
	VerdictSuspicious Verdict = "SUSPICIOUS"
)

// Series holds one backbone's contribution to a job. Scores maps frame
// index to probability; frames the backbone could not score are absent.
// A backbone that failed to load has Ready=false and an empty score map.
type Series struct {
	Name          string
	Prior         float64
	Ready         bool
	Scores        map[int]float64
	LoadDuration  time.Duration
	InferDuration time.Duration
	Err           string
}

// BackboneReport summarizes one backbone's participation for the result object.
type BackboneReport struct {
	Name       string  `json:"name"`
	Ready      bool    `json:"ready"`
	Weight     float64 `json:"weight"`
	LoadMS     int64   `json:"load_ms"`
	InferMS    int64   `json:"infer_ms"`
	FramesUsed int     `json:"frames_used"`
	Error      string  `json:"error,omitempty"`
}

// Result is the fused output for a video.
type Result struct {
	VideoProbability float64          `json:"video_probability"`
	Verdict          Verdict          `json:"verdict"`
	PerFrame         []float64        `json:"per_frame_confidence"`
	PerBackbone      []BackboneReport `json:"per_backbone"`
	SkippedFrames    int              `json:"skipped_frames,omitempty"`
}

// Engine combines per-backbone, per-frame probabilities into a verdict.
type Engine struct {
	highThreshold float64
	lowThreshold  float64
}

// NewEngine builds an engine with the configured verdict thresholds.
func NewEngine(highThreshold, lowThreshold float64) *Engine {
	return &Engine{highThreshold: highThreshold, lowThreshold: lowThreshold}
}

// Weights derives the ensemble weights for the ready backbones: each prior
// renormalized so the ready set sums to 1. Unavailable backbones contribute
// nothing and their mass is redistributed proportionally.
func Weights(series []Series) map[string]float64 {
	total := 0.0
	for _, s := range series {
		if s.Ready && s.Prior > 0 {
			total += s.Prior
		}
	}
	weights := make(map[string]float64)
	if total == 0 {
		// Degenerate priors: spread evenly over ready backbones.
		ready := 0
		for _, s := range series {
			if s.Ready {
				ready++
			}
		}
		for _, s := range series {
			if s.Ready {
				weights[s.Name] = 1.0 / float64(ready)
			}
		}
		return weights
	}
	for _, s := range series {
		if s.Ready && s.Prior > 0 {
			weights[s.Name] = s.Prior / total
		}
	}
	return weights
}

// Fuse combines the backbone series into per-frame ensemble probabilities
// and a video verdict. Frames a backbone could not score are excluded from
// the weighted mean at that index, with the remaining weights renormalized;
// frames no backbone scored are dropped from the series entirely. With zero
// ready backbones Fuse fails rather than fabricating a probability.
func (e *Engine) Fuse(frameCount int, series []Series) (*Result, error) {
	weights := Weights(series)
	if len(weights) == 0 {
		return nil, services.Wrap(services.ErrNoModels, "fusing", "weights",
			"every backbone failed to load", nil)
	}

	perFrame := make([]float64, 0, frameCount)
	skipped := 0
	for frame := range frameCount {
		weightSum := 0.0
		weighted := 0.0
		for _, s := range series {
			weight, ready := weights[s.Name]
			if !ready {
				continue
			}
			score, scored := s.Scores[frame]
			if !scored {
				continue
			}
			weighted += weight * score
			weightSum += weight
		}
		if weightSum == 0 {
			skipped++
			continue
		}
		perFrame = append(perFrame, weighted/weightSum)
	}
	if len(perFrame) == 0 {
		return nil, services.Wrap(services.ErrNoModels, "fusing", "frames",
			"no frame received a score from any backbone", nil)
	}

	sum := 0.0
	for _, p := range perFrame {
		sum += p
	}
	probability := sum / float64(len(perFrame))

	return &Result{
		VideoProbability: probability,
		Verdict:          e.Classify(probability),
		PerFrame:         perFrame,
		PerBackbone:      reports(series, weights),
		SkippedFrames:    skipped,
	}, nil
}

// Classify maps a probability to a verdict band. Both thresholds are
// inclusive: exactly at high is FAKE, exactly at low is REAL.
func (e *Engine) Classify(probability float64) Verdict {
	switch {
	case probability >= e.highThreshold:
		return VerdictFake
	case probability <= e.lowThreshold:
		return VerdictReal
	default:
		return VerdictSuspicious
	}
}

func reports(series []Series, weights map[string]float64) []BackboneReport {
	out := make([]BackboneReport, 0, len(series))
	for _, s := range series {
		out = append(out, BackboneReport{
			Name:       s.Name,
			Ready:      s.Ready,
			Weight:     weights[s.Name],
			LoadMS:     s.LoadDuration.Milliseconds(),
			InferMS:    s.InferDuration.Milliseconds(),
			FramesUsed: len(s.Scores),
			Error:      s.Err,
		})
	}
	return out
}
