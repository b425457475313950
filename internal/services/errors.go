package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers used to classify pipeline failures. Fatal markers take the
// whole job down; the rest degrade the ensemble and are absorbed by the stage
// that observed them.
var (
	// ErrDecode indicates the video container or codec could not be opened.
	ErrDecode = errors.New("decode error")
	// ErrEmptyVideo indicates zero decodable frames.
	ErrEmptyVideo = errors.New("empty video")
	// ErrBackboneLoad indicates a single backbone failed to load.
	ErrBackboneLoad = errors.New("backbone load error")
	// ErrShapeMismatch indicates a backbone produced an unexpected feature dimension.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrFrameInference indicates a single frame failed inference for one backbone.
	ErrFrameInference = errors.New("frame inference error")
	// ErrNoModels indicates every backbone failed to load.
	ErrNoModels = errors.New("no models available")

	ErrExternalTool  = errors.New("external tool error")
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsFatal reports whether an error must fail the whole job rather than
// degrade the ensemble.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrEmptyVideo) ||
		errors.Is(err, ErrNoModels) ||
		errors.Is(err, ErrConfiguration)
}

// IsRetryable reports whether a backbone load failure is worth retrying.
// Architecture mismatches and configuration problems are permanent.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrShapeMismatch) || errors.Is(err, ErrConfiguration) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrExternalTool)
}

// Details returns the presentation form of a stage error with the sentinel
// prefix stripped, suitable for queue error messages and per-backbone
// failure strings.
func Details(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, marker := range []error{
		ErrDecode, ErrEmptyVideo, ErrBackboneLoad, ErrShapeMismatch,
		ErrFrameInference, ErrNoModels, ErrExternalTool, ErrConfiguration, ErrTransient,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(msg, prefix) {
			msg = strings.TrimPrefix(msg, prefix)
			break
		}
	}
	return strings.TrimSpace(msg)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
