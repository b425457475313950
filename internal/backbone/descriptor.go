package backbone

import (
	"strings"

	"verity/internal/config"
)

// Normalization holds the per-channel preprocessing constants a scorer
// applies before the forward pass.
type Normalization struct {
	Mean [3]float64 `json:"mean"`
	Std  [3]float64 `json:"std"`
}

var (
	// imagenetNorm matches the torchvision pretraining statistics used by
	// the ConvNeXt, ViT, and Swin families.
	imagenetNorm = Normalization{
		Mean: [3]float64{0.485, 0.456, 0.406},
		Std:  [3]float64{0.229, 0.224, 0.225},
	}
	// rescaleNorm maps pixels to [-1, 1]; the Xception family was trained
	// with this scheme.
	rescaleNorm = Normalization{
		Mean: [3]float64{0.5, 0.5, 0.5},
		Std:  [3]float64{0.5, 0.5, 0.5},
	}
)

// Descriptor captures everything needed to load and run one backbone.
type Descriptor struct {
	Name          string
	Runner        string
	WeightsPath   string
	InputSize     int
	FeatureDim    int
	ResidentMB    int64
	Prior         float64
	Normalization Normalization
}

// FromConfig builds a Descriptor from a configured backbone entry.
func FromConfig(entry config.Backbone) Descriptor {
	return Descriptor{
		Name:          entry.Name,
		Runner:        entry.Runner,
		WeightsPath:   entry.WeightsPath,
		InputSize:     entry.InputSize,
		FeatureDim:    entry.FeatureDim,
		ResidentMB:    int64(entry.ResidentMB),
		Prior:         entry.Prior,
		Normalization: normalizationFor(entry.Name),
	}
}

// Descriptors converts every configured backbone.
func Descriptors(cfg *config.Config) []Descriptor {
	descriptors := make([]Descriptor, 0, len(cfg.Models.Backbones))
	for _, entry := range cfg.Models.Backbones {
		descriptors = append(descriptors, FromConfig(entry))
	}
	return descriptors
}

// ResidentBytesHint returns the configured resident size in bytes. The
// actual size reported by the scorer after load takes precedence.
func (d Descriptor) ResidentBytesHint() int64 {
	return d.ResidentMB * 1024 * 1024
}

func normalizationFor(name string) Normalization {
	if strings.Contains(strings.ToLower(name), "xception") {
		return rescaleNorm
	}
	return imagenetNorm
}
