package backbone

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"verity/internal/services"
)

var commandContext = exec.CommandContext

// Scorer is a loaded backbone ready to score frames.
type Scorer interface {
	Descriptor() Descriptor
	ResidentBytes() int64
	Score(ctx context.Context, framePaths []string, progress func(frame int)) (map[int]float64, error)
	Close() error
}

// Loader starts a scorer for a descriptor. The registry injects this so
// tests can substitute in-process fakes.
type Loader func(ctx context.Context, desc Descriptor) (Scorer, error)

// Process wraps a scorer subprocess speaking JSON lines over stdin/stdout.
type Process struct {
	desc          Descriptor
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	scanner       *bufio.Scanner
	residentBytes int64

	mu     sync.Mutex
	closed bool
}

type event struct {
	Event         string  `json:"event"`
	FeatureDim    int     `json:"feature_dim,omitempty"`
	ResidentBytes int64   `json:"resident_bytes,omitempty"`
	Frame         int     `json:"frame"`
	Probability   float64 `json:"probability"`
	Scored        int     `json:"scored"`
	Message       string  `json:"message,omitempty"`
}

type scoreRequest struct {
	Op            string        `json:"op"`
	Frames        []string      `json:"frames"`
	Normalization Normalization `json:"normalization"`
}

// Load starts the scorer subprocess for the descriptor and waits for its
// ready handshake. The reported feature dimension must match the declared
// one; a mismatch is a permanent failure, everything else is retryable.
func Load(ctx context.Context, desc Descriptor) (Scorer, error) {
	args := []string{
		"--weights", desc.WeightsPath,
		"--input-size", strconv.Itoa(desc.InputSize),
	}
	cmd := commandContext(ctx, desc.Runner, args...) //nolint:gosec
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name,
			fmt.Sprintf("start %s", desc.Runner), err)
	}

	proc := &Process{
		desc:    desc,
		cmd:     cmd,
		stdin:   stdin,
		scanner: bufio.NewScanner(stdout),
	}
	proc.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	ready, err := proc.readEvent()
	if err != nil {
		_ = proc.kill()
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name, "ready handshake", err)
	}
	switch ready.Event {
	case "ready":
	case "error":
		_ = proc.kill()
		marker := services.ErrBackboneLoad
		if strings.Contains(strings.ToLower(ready.Message), "transient") {
			marker = services.ErrTransient
		}
		return nil, services.Wrap(marker, "loading", desc.Name, ready.Message, nil)
	default:
		_ = proc.kill()
		return nil, services.Wrap(services.ErrBackboneLoad, "loading", desc.Name,
			fmt.Sprintf("unexpected handshake event %q", ready.Event), nil)
	}

	if ready.FeatureDim != desc.FeatureDim {
		_ = proc.kill()
		return nil, services.Wrap(services.ErrShapeMismatch, "loading", desc.Name,
			fmt.Sprintf("declared feature_dim %d, weights produce %d", desc.FeatureDim, ready.FeatureDim), nil)
	}

	proc.residentBytes = ready.ResidentBytes
	if proc.residentBytes <= 0 {
		proc.residentBytes = desc.ResidentBytesHint()
	}
	return proc, nil
}

// Descriptor returns the descriptor this process was loaded from.
func (p *Process) Descriptor() Descriptor {
	return p.desc
}

// ResidentBytes returns the memory footprint reported at load time.
func (p *Process) ResidentBytes() int64 {
	return p.residentBytes
}

// Score sends the frame paths to the scorer and collects per-frame deepfake
// probabilities. Frames the scorer reports an error for are absent from the
// returned map; the caller decides whether the gaps are tolerable. The
// progress callback fires once per scored frame.
func (p *Process) Score(ctx context.Context, framePaths []string, progress func(frame int)) (map[int]float64, error) {
	request := scoreRequest{Op: "score", Frames: framePaths, Normalization: p.desc.Normalization}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, services.Wrap(services.ErrFrameInference, "inferring", p.desc.Name, "encode request", err)
	}
	if _, err := p.stdin.Write(append(payload, '\n')); err != nil {
		return nil, services.Wrap(services.ErrTransient, "inferring", p.desc.Name, "scorer went away", err)
	}

	scores := make(map[int]float64, len(framePaths))
	for {
		if err := ctx.Err(); err != nil {
			return nil, services.Wrap(services.ErrFrameInference, "inferring", p.desc.Name, "canceled", err)
		}
		evt, err := p.readEvent()
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, "inferring", p.desc.Name, "read scorer output", err)
		}
		switch evt.Event {
		case "score":
			if evt.Frame < 0 || evt.Frame >= len(framePaths) {
				return nil, services.Wrap(services.ErrFrameInference, "inferring", p.desc.Name,
					fmt.Sprintf("scorer referenced frame %d of %d", evt.Frame, len(framePaths)), nil)
			}
			if math.IsNaN(evt.Probability) || evt.Probability < 0 || evt.Probability > 1 {
				// Treated like a frame_error; fusion excludes the gap.
				continue
			}
			scores[evt.Frame] = evt.Probability
			if progress != nil {
				progress(evt.Frame)
			}
		case "frame_error":
			// Per-frame failures are tolerated; fusion excludes the gap.
			continue
		case "done":
			return scores, nil
		case "error":
			return nil, services.Wrap(services.ErrFrameInference, "inferring", p.desc.Name, evt.Message, nil)
		}
	}
}

// Close shuts the scorer down and releases its memory.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	return p.cmd.Wait()
}

func (p *Process) kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

func (p *Process) readEvent() (event, error) {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" {
			continue
		}
		var evt event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			// Scorers may write diagnostics to stdout; skip non-JSON lines.
			continue
		}
		return evt, nil
	}
	if err := p.scanner.Err(); err != nil {
		return event{}, err
	}
	return event{}, io.EOF
}

var _ Scorer = (*Process)(nil)
