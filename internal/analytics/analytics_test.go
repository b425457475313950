package analytics

import (
	"math"
	"testing"
)

const tolerance = 1e-9

func TestComputeBasicStatistics(t *testing.T) {
	series := []float64{0.2, 0.4, 0.6, 0.8}
	stats := Compute(series, Options{Window: 2, PeakThreshold: 0.1})

	if math.Abs(stats.Mean-0.5) > tolerance {
		t.Fatalf("mean = %v, want 0.5", stats.Mean)
	}
	if math.Abs(stats.Median-0.5) > tolerance {
		t.Fatalf("median = %v, want 0.5", stats.Median)
	}
	if stats.Min != 0.2 || stats.Max != 0.8 {
		t.Fatalf("bounds = %v/%v", stats.Min, stats.Max)
	}
	if math.Abs(stats.Range-0.6) > tolerance {
		t.Fatalf("range = %v, want 0.6", stats.Range)
	}
	want := math.Sqrt((0.09 + 0.01 + 0.01 + 0.09) / 4)
	if math.Abs(stats.StdDev-want) > tolerance {
		t.Fatalf("stddev = %v, want %v", stats.StdDev, want)
	}
}

func TestComputeEmptySeries(t *testing.T) {
	stats := Compute(nil, Options{Window: 5, PeakThreshold: 0.1})
	if stats.Mean != 0 || stats.Trend != TrendFlat {
		t.Fatalf("empty series should produce zero stats, got %+v", stats)
	}
	if len(stats.MovingAverage) != 0 || len(stats.Peaks) != 0 {
		t.Fatalf("empty series should produce empty slices, got %+v", stats)
	}
}

func TestMedianOddLength(t *testing.T) {
	stats := Compute([]float64{0.9, 0.1, 0.5}, Options{})
	if stats.Median != 0.5 {
		t.Fatalf("median = %v, want 0.5", stats.Median)
	}
}

func TestDistributionBands(t *testing.T) {
	series := []float64{0.1, 0.24, 0.25, 0.49, 0.5, 0.74, 0.75, 0.99}
	stats := Compute(series, Options{})
	dist := stats.Distribution
	if dist.Low != 2 || dist.Medium != 2 || dist.High != 2 || dist.Critical != 2 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}
}

func TestMovingAverageTrailingWindow(t *testing.T) {
	smoothed := MovingAverage([]float64{1, 2, 3, 4}, 2)
	want := []float64{1, 1.5, 2.5, 3.5}
	for i := range want {
		if math.Abs(smoothed[i]-want[i]) > tolerance {
			t.Fatalf("smoothed[%d] = %v, want %v", i, smoothed[i], want[i])
		}
	}
}

func TestMovingAverageWindowOne(t *testing.T) {
	series := []float64{0.3, 0.7, 0.5}
	smoothed := MovingAverage(series, 1)
	for i := range series {
		if smoothed[i] != series[i] {
			t.Fatalf("window 1 must be identity, got %v", smoothed)
		}
	}
}

func TestExtremaDetection(t *testing.T) {
	series := []float64{0.2, 0.8, 0.2, 0.05, 0.6}
	peaks, valleys := Extrema(series, 0.1)

	if len(peaks) != 1 || peaks[0].Frame != 1 {
		t.Fatalf("expected peak at frame 1, got %+v", peaks)
	}
	if len(valleys) != 1 || valleys[0].Frame != 3 {
		t.Fatalf("expected valley at frame 3, got %+v", valleys)
	}
}

func TestExtremaRespectsThreshold(t *testing.T) {
	// Local max exceeding neighbors by only 0.05 with threshold 0.1.
	series := []float64{0.50, 0.55, 0.50}
	peaks, valleys := Extrema(series, 0.1)
	if len(peaks) != 0 || len(valleys) != 0 {
		t.Fatalf("sub-threshold bump should not register: %+v %+v", peaks, valleys)
	}

	// A delta exactly equal to the threshold is not an extremum either;
	// the margin must be strictly exceeded.
	peaks, valleys = Extrema([]float64{0.50, 0.60, 0.50}, 0.1)
	if len(peaks) != 0 || len(valleys) != 0 {
		t.Fatalf("exact-threshold bump should not register: %+v %+v", peaks, valleys)
	}

	peaks, _ = Extrema(series, 0.01)
	if len(peaks) != 1 {
		t.Fatalf("bump should register under lower threshold: %+v", peaks)
	}
}

func TestExtremaEndpointsExcluded(t *testing.T) {
	peaks, valleys := Extrema([]float64{0.9, 0.1, 0.9}, 0.1)
	if len(peaks) != 0 {
		t.Fatalf("endpoints cannot be peaks: %+v", peaks)
	}
	if len(valleys) != 1 || valleys[0].Frame != 1 {
		t.Fatalf("expected interior valley: %+v", valleys)
	}
}

func TestTrendDirections(t *testing.T) {
	cases := []struct {
		name   string
		series []float64
		want   Trend
	}{
		{"rising", []float64{0.1, 0.2, 0.3, 0.4, 0.5}, TrendRising},
		{"falling", []float64{0.9, 0.7, 0.5, 0.3}, TrendFalling},
		{"flat", []float64{0.5, 0.505, 0.5, 0.502}, TrendFlat},
		{"single point", []float64{0.4}, TrendFlat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := Compute(tc.series, Options{Window: 2})
			if stats.Trend != tc.want {
				t.Fatalf("trend = %s, want %s", stats.Trend, tc.want)
			}
		})
	}
}
