package analytics

import (
	"math"
	"sort"
)

// Band thresholds for the confidence distribution. A probability lands in
// the highest band whose lower bound it reaches.
const (
	mediumBound   = 0.25
	highBound     = 0.50
	criticalBound = 0.75
)

// Trend describes the direction of the smoothed confidence series.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

// trendEpsilon is the minimum endpoint delta treated as a real trend.
const trendEpsilon = 0.01

// Distribution counts frames per confidence band.
type Distribution struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// Extremum marks a local peak or valley in the confidence series.
type Extremum struct {
	Frame int     `json:"frame"`
	Value float64 `json:"value"`
}

// Statistics is the descriptive block attached to a fused result. It never
// feeds back into the verdict.
type Statistics struct {
	Mean          float64      `json:"mean"`
	Median        float64      `json:"median"`
	StdDev        float64      `json:"stddev"`
	Min           float64      `json:"min"`
	Max           float64      `json:"max"`
	Range         float64      `json:"range"`
	Distribution  Distribution `json:"distribution"`
	MovingAverage []float64    `json:"moving_average"`
	Peaks         []Extremum   `json:"peaks"`
	Valleys       []Extremum   `json:"valleys"`
	Trend         Trend        `json:"trend"`
}

// Options control smoothing and extremum detection.
type Options struct {
	// Window is the moving-average window size; values below 1 collapse
	// to 1 (no smoothing).
	Window int
	// PeakThreshold is how far a point must exceed both neighbors to
	// count as a peak (symmetric for valleys).
	PeakThreshold float64
}

// Compute derives the full statistics block for a confidence series.
// An empty series yields a zero Statistics with a flat trend.
func Compute(series []float64, opts Options) Statistics {
	stats := Statistics{Trend: TrendFlat}
	if len(series) == 0 {
		return stats
	}
	if opts.Window < 1 {
		opts.Window = 1
	}

	stats.Mean = mean(series)
	stats.Median = median(series)
	stats.StdDev = stddev(series, stats.Mean)
	stats.Min, stats.Max = bounds(series)
	stats.Range = stats.Max - stats.Min
	stats.Distribution = distribution(series)
	stats.MovingAverage = MovingAverage(series, opts.Window)
	stats.Peaks, stats.Valleys = Extrema(series, opts.PeakThreshold)
	stats.Trend = trend(stats.MovingAverage)
	return stats
}

// MovingAverage smooths the series with a trailing window of the given size.
// The first window-1 points average everything seen so far.
func MovingAverage(series []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	smoothed := make([]float64, len(series))
	sum := 0.0
	for i, value := range series {
		sum += value
		if i >= window {
			sum -= series[i-window]
			smoothed[i] = sum / float64(window)
		} else {
			smoothed[i] = sum / float64(i+1)
		}
	}
	return smoothed
}

// Extrema finds local maxima and minima. A point is a peak when it exceeds
// both neighbors by more than threshold; valleys are symmetric. Endpoints
// have one neighbor and are never extrema.
func Extrema(series []float64, threshold float64) (peaks, valleys []Extremum) {
	for i := 1; i < len(series)-1; i++ {
		value := series[i]
		if value-series[i-1] > threshold && value-series[i+1] > threshold {
			peaks = append(peaks, Extremum{Frame: i, Value: value})
		}
		if series[i-1]-value > threshold && series[i+1]-value > threshold {
			valleys = append(valleys, Extremum{Frame: i, Value: value})
		}
	}
	return peaks, valleys
}

func trend(smoothed []float64) Trend {
	if len(smoothed) < 2 {
		return TrendFlat
	}
	delta := smoothed[len(smoothed)-1] - smoothed[0]
	switch {
	case delta > trendEpsilon:
		return TrendRising
	case delta < -trendEpsilon:
		return TrendFalling
	default:
		return TrendFlat
	}
}

func distribution(series []float64) Distribution {
	var dist Distribution
	for _, value := range series {
		switch {
		case value >= criticalBound:
			dist.Critical++
		case value >= highBound:
			dist.High++
		case value >= mediumBound:
			dist.Medium++
		default:
			dist.Low++
		}
	}
	return dist
}

func mean(series []float64) float64 {
	sum := 0.0
	for _, value := range series {
		sum += value
	}
	return sum / float64(len(series))
}

func median(series []float64) float64 {
	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func stddev(series []float64, mean float64) float64 {
	if len(series) < 2 {
		return 0
	}
	sum := 0.0
	for _, value := range series {
		diff := value - mean
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(series)))
}

func bounds(series []float64) (low, high float64) {
	low, high = series[0], series[0]
	for _, value := range series[1:] {
		low = math.Min(low, value)
		high = math.Max(high, value)
	}
	return low, high
}
