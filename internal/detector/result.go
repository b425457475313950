package detector

import (
	"encoding/json"
	"fmt"

	"verity/internal/analytics"
	"verity/internal/fusion"
)

// Result is the final output object persisted on the queue item and served
// to the external result-store collaborator.
type Result struct {
	VideoProbability   float64                 `json:"video_probability"`
	Verdict            fusion.Verdict          `json:"verdict"`
	PerBackbone        []fusion.BackboneReport `json:"per_backbone"`
	PerFrameConfidence []float64               `json:"per_frame_confidence"`
	Statistics         analytics.Statistics    `json:"statistics"`
	SampledFrames      int                     `json:"sampled_frames"`
	TotalFrames        int                     `json:"total_frames"`
}

// Encode renders the result as the stored JSON document.
func (r Result) Encode() (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}

// DecodeResult parses a stored result document.
func DecodeResult(payload string) (Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}
