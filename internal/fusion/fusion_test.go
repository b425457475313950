package fusion

import (
	"errors"
	"math"
	"testing"

	"verity/internal/services"
)

const tolerance = 1e-9

func uniformScores(frames int, value float64) map[int]float64 {
	scores := make(map[int]float64, frames)
	for i := range frames {
		scores[i] = value
	}
	return scores
}

func fourBackbones(frames int, value float64) []Series {
	return []Series{
		{Name: "convnext-large", Prior: 0.30, Ready: true, Scores: uniformScores(frames, value)},
		{Name: "vit-large", Prior: 0.25, Ready: true, Scores: uniformScores(frames, value)},
		{Name: "swin-large", Prior: 0.25, Ready: true, Scores: uniformScores(frames, value)},
		{Name: "xception", Prior: 0.20, Ready: true, Scores: uniformScores(frames, value)},
	}
}

func TestWeightsSumToOne(t *testing.T) {
	series := fourBackbones(1, 0.5)
	cases := []struct {
		name  string
		ready []bool
	}{
		{"all ready", []bool{true, true, true, true}},
		{"one failed", []bool{true, false, true, true}},
		{"two failed", []bool{false, false, true, true}},
		{"single survivor", []bool{false, false, false, true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := range series {
				series[i].Ready = tc.ready[i]
			}
			weights := Weights(series)
			sum := 0.0
			for name, weight := range weights {
				if weight < 0 {
					t.Fatalf("negative weight for %s", name)
				}
				sum += weight
			}
			if math.Abs(sum-1.0) > tolerance {
				t.Fatalf("weights sum to %v, want 1", sum)
			}
			for i, s := range series {
				if _, present := weights[s.Name]; present != tc.ready[i] {
					t.Fatalf("weight presence mismatch for %s", s.Name)
				}
			}
		})
	}
}

func TestWeightsRedistributeProportionally(t *testing.T) {
	series := fourBackbones(1, 0.5)
	series[1].Ready = false // drop vit-large (0.25)
	weights := Weights(series)

	// Remaining priors 0.30 + 0.25 + 0.20 = 0.75.
	if math.Abs(weights["convnext-large"]-0.30/0.75) > tolerance {
		t.Fatalf("unexpected convnext weight: %v", weights["convnext-large"])
	}
	if math.Abs(weights["xception"]-0.20/0.75) > tolerance {
		t.Fatalf("unexpected xception weight: %v", weights["xception"])
	}
}

func TestFuseAllAgreeFake(t *testing.T) {
	// 16 frames, 4 ready backbones all reporting 0.9.
	engine := NewEngine(0.65, 0.35)
	result, err := engine.Fuse(16, fourBackbones(16, 0.9))
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if math.Abs(result.VideoProbability-0.9) > tolerance {
		t.Fatalf("expected 0.9, got %v", result.VideoProbability)
	}
	if result.Verdict != VerdictFake {
		t.Fatalf("expected FAKE, got %s", result.Verdict)
	}
	if len(result.PerFrame) != 16 {
		t.Fatalf("expected 16 fused frames, got %d", len(result.PerFrame))
	}
}

func TestFuseDegradedEnsembleReal(t *testing.T) {
	// One backbone failed to load; survivors report 0.2, 0.3, 0.25.
	frames := 16
	series := []Series{
		{Name: "convnext-large", Prior: 0.30, Ready: false, Err: "weights missing"},
		{Name: "vit-large", Prior: 0.25, Ready: true, Scores: uniformScores(frames, 0.2)},
		{Name: "swin-large", Prior: 0.25, Ready: true, Scores: uniformScores(frames, 0.3)},
		{Name: "xception", Prior: 0.20, Ready: true, Scores: uniformScores(frames, 0.25)},
	}
	engine := NewEngine(0.65, 0.35)
	result, err := engine.Fuse(frames, series)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if result.VideoProbability < 0.2 || result.VideoProbability > 0.3 {
		t.Fatalf("expected fused probability near 0.25, got %v", result.VideoProbability)
	}
	if result.Verdict != VerdictReal {
		t.Fatalf("expected REAL, got %s", result.Verdict)
	}

	for _, report := range result.PerBackbone {
		if report.Name == "convnext-large" {
			if report.Ready || report.Weight != 0 || report.Error == "" {
				t.Fatalf("failed backbone misreported: %+v", report)
			}
		}
	}
}

func TestFuseNoModelsAvailable(t *testing.T) {
	series := []Series{
		{Name: "convnext-large", Prior: 0.5, Ready: false, Err: "load failed"},
		{Name: "vit-large", Prior: 0.5, Ready: false, Err: "load failed"},
	}
	engine := NewEngine(0.65, 0.35)
	result, err := engine.Fuse(16, series)
	if result != nil {
		t.Fatal("no partial result when every backbone failed")
	}
	if !errors.Is(err, services.ErrNoModels) {
		t.Fatalf("expected ErrNoModels, got %v", err)
	}
}

func TestFuseExcludesMissingFramePair(t *testing.T) {
	// One backbone missed frame 1; its weight is excluded there, not
	// imputed as 0.5.
	frames := 3
	alphaScores := uniformScores(frames, 0.8)
	delete(alphaScores, 1)
	series := []Series{
		{Name: "alpha", Prior: 0.5, Ready: true, Scores: alphaScores},
		{Name: "beta", Prior: 0.5, Ready: true, Scores: uniformScores(frames, 0.4)},
	}
	engine := NewEngine(0.65, 0.35)
	result, err := engine.Fuse(frames, series)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(result.PerFrame) != 3 {
		t.Fatalf("expected 3 fused frames, got %d", len(result.PerFrame))
	}
	if math.Abs(result.PerFrame[0]-0.6) > tolerance {
		t.Fatalf("frame 0 should average both backbones: %v", result.PerFrame[0])
	}
	// Frame 1 carries only beta's score after renormalization.
	if math.Abs(result.PerFrame[1]-0.4) > tolerance {
		t.Fatalf("frame 1 should be beta alone, got %v", result.PerFrame[1])
	}
}

func TestFuseDropsUnscoredFrames(t *testing.T) {
	frames := 4
	scores := uniformScores(frames, 0.7)
	delete(scores, 2)
	series := []Series{{Name: "solo", Prior: 1, Ready: true, Scores: scores}}

	engine := NewEngine(0.65, 0.35)
	result, err := engine.Fuse(frames, series)
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(result.PerFrame) != 3 || result.SkippedFrames != 1 {
		t.Fatalf("expected 3 fused frames and 1 skip, got %d/%d",
			len(result.PerFrame), result.SkippedFrames)
	}
}

func TestClassifyInclusiveBoundaries(t *testing.T) {
	engine := NewEngine(0.65, 0.35)
	cases := []struct {
		probability float64
		want        Verdict
	}{
		{0.65, VerdictFake},
		{0.66, VerdictFake},
		{0.35, VerdictReal},
		{0.34, VerdictReal},
		{0.5, VerdictSuspicious},
		{0.3500001, VerdictSuspicious},
		{0.6499999, VerdictSuspicious},
		{1.0, VerdictFake},
		{0.0, VerdictReal},
	}
	for _, tc := range cases {
		if got := engine.Classify(tc.probability); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.probability, got, tc.want)
		}
	}
}

func TestWeightsEvenSplitOnZeroPriors(t *testing.T) {
	series := []Series{
		{Name: "a", Prior: 0, Ready: true, Scores: uniformScores(1, 0.5)},
		{Name: "b", Prior: 0, Ready: true, Scores: uniformScores(1, 0.5)},
	}
	weights := Weights(series)
	if math.Abs(weights["a"]-0.5) > tolerance || math.Abs(weights["b"]-0.5) > tolerance {
		t.Fatalf("expected even split, got %v", weights)
	}
}
