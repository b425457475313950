package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"verity/internal/config"
	"verity/internal/fileutil"
	"verity/internal/logging"
	"verity/internal/media/ffprobe"
	"verity/internal/services"
)

// Result describes the frames extracted for one video.
type Result struct {
	// FramePaths are the extracted JPEG paths in temporal order.
	FramePaths []string
	// Indices are the source frame numbers the paths correspond to.
	Indices []int
	// TotalFrames is the decoded frame count of the source video.
	TotalFrames int
	// Duration is the container duration in seconds.
	Duration float64
}

// Sampler extracts evenly spaced frames from a video via ffmpeg.
type Sampler struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New returns a Sampler bound to the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Sampler {
	return &Sampler{cfg: cfg, logger: logging.NewComponentLogger(logger, "sampler")}
}

// Sample probes the video, picks frameCount evenly spaced frame indices, and
// extracts them as JPEGs into destDir. When the video holds fewer frames
// than requested, every frame is used.
func (s *Sampler) Sample(ctx context.Context, sourcePath string, frameCount int, destDir string) (*Result, error) {
	probe, err := ffprobe.Inspect(ctx, s.cfg.FFprobeBinary(), sourcePath)
	if err != nil {
		return nil, services.Wrap(services.ErrDecode, "sampling", "probe",
			fmt.Sprintf("cannot probe %s", sourcePath), err)
	}
	if probe.VideoStreamCount() == 0 {
		return nil, services.Wrap(services.ErrDecode, "sampling", "probe",
			fmt.Sprintf("%s has no video stream", sourcePath), nil)
	}
	total := probe.FrameCount()
	if total <= 0 {
		return nil, services.Wrap(services.ErrEmptyVideo, "sampling", "probe",
			fmt.Sprintf("%s decoded zero frames", sourcePath), nil)
	}

	indices := EvenIndices(total, frameCount)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "sampling", "staging",
			"cannot create staging directory", err)
	}

	s.logger.InfoContext(ctx, "extracting frames",
		logging.String("source", sourcePath),
		logging.Int("total_frames", total),
		logging.Int("selected", len(indices)))

	paths, err := s.extract(ctx, sourcePath, indices, destDir)
	if err != nil {
		return nil, err
	}
	return &Result{
		FramePaths:  paths,
		Indices:     indices,
		TotalFrames: total,
		Duration:    probe.DurationSeconds(),
	}, nil
}

func (s *Sampler) extract(ctx context.Context, sourcePath string, indices []int, destDir string) ([]string, error) {
	pattern := filepath.Join(destDir, "frame_%05d.jpg")
	cmd := exec.CommandContext(ctx, s.cfg.FFmpegBinary(),
		"-v", "error", "-hide_banner", "-nostdin",
		"-i", sourcePath,
		"-vf", selectFilter(indices),
		"-vsync", "0",
		"-q:v", "2",
		pattern,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, services.Wrap(services.ErrDecode, "sampling", "extract",
			strings.TrimSpace(string(output)), err)
	}

	paths := make([]string, 0, len(indices))
	for i := range indices {
		path := filepath.Join(destDir, fmt.Sprintf("frame_%05d.jpg", i+1))
		if err := fileutil.NonEmptyFile(path); err != nil {
			return nil, services.Wrap(services.ErrDecode, "sampling", "extract",
				fmt.Sprintf("expected %d frames, decoder produced %d", len(indices), i), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// EvenIndices returns count frame indices spread evenly across a video of
// total frames, first and last frame included. Duplicate indices produced by
// short videos collapse, so the result may be shorter than count.
func EvenIndices(total, count int) []int {
	if total <= 0 || count <= 0 {
		return nil
	}
	if count >= total {
		indices := make([]int, total)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	if count == 1 {
		return []int{0}
	}

	step := float64(total-1) / float64(count-1)
	seen := make(map[int]struct{}, count)
	indices := make([]int, 0, count)
	for i := range count {
		index := int(float64(i)*step + 0.5)
		if index > total-1 {
			index = total - 1
		}
		if _, dup := seen[index]; dup {
			continue
		}
		seen[index] = struct{}{}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func selectFilter(indices []int) string {
	terms := make([]string, len(indices))
	for i, index := range indices {
		terms[i] = fmt.Sprintf(`eq(n\,%d)`, index)
	}
	return "select='" + strings.Join(terms, "+") + "'"
}
