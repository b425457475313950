package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"verity/internal/logging"
)

// Stage names carried on progress events.
const (
	StageSampling  = "sampling"
	StageFusing    = "fusing"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// StageLoadingModel names the per-backbone load stage.
func StageLoadingModel(backbone string) string {
	return "loading_model:" + backbone
}

// StageInferring names the per-backbone inference stage.
func StageInferring(backbone string) string {
	return "inferring:" + backbone
}

// Event is one progress update for a job. Events for a given job are
// emitted in pipeline order.
type Event struct {
	JobID         int64     `json:"job_id"`
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage"`
	Percent       float64   `json:"percent"`
	Message       string    `json:"message"`
	ETASeconds    float64   `json:"eta_seconds,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Emitter fans progress events out to subscribers without ever blocking
// the pipeline: a subscriber that falls behind loses events, and the loss
// is counted.
type Emitter struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool

	dropped atomic.Int64
}

// NewEmitter builds an emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{
		logger:      logging.NewComponentLogger(logger, "progress"),
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a consumer with the given channel buffer. The cancel
// function removes the subscription and closes the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subscribers[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, active := e.subscribers[id]; active {
			delete(e.subscribers, id)
			close(sub)
		}
	}
}

// Emit delivers the event to every subscriber, dropping on full buffers.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.dropped.Add(1)
			e.logger.Debug("progress event dropped",
				logging.Int64(logging.FieldJobID, event.JobID),
				logging.String(logging.FieldStage, event.Stage))
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close shuts the emitter down and closes every subscriber channel.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
}

// Tracker emits ordered events for one job, estimating time remaining from
// the job's own elapsed time and reported percent.
type Tracker struct {
	emitter       *Emitter
	jobID         int64
	correlationID string
	started       time.Time
	now           func() time.Time
}

// NewTracker starts progress tracking for a job. Each tracker carries a
// fresh correlation id tying its events together.
func NewTracker(emitter *Emitter, jobID int64) *Tracker {
	return &Tracker{
		emitter:       emitter,
		jobID:         jobID,
		correlationID: uuid.NewString(),
		started:       time.Now(),
		now:           time.Now,
	}
}

// CorrelationID returns the id stamped on this tracker's events.
func (t *Tracker) CorrelationID() string {
	return t.correlationID
}

// Emit publishes one event for the job. Percent is clamped to [0, 100].
func (t *Tracker) Emit(stage string, percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.emitter.Emit(Event{
		JobID:         t.jobID,
		CorrelationID: t.correlationID,
		Stage:         stage,
		Percent:       percent,
		Message:       message,
		ETASeconds:    t.eta(percent),
	})
}

// eta projects remaining seconds from elapsed time and percent complete.
// Early in the job (or at the end) there is nothing meaningful to report.
func (t *Tracker) eta(percent float64) float64 {
	if percent < 5 || percent >= 100 {
		return 0
	}
	elapsed := t.now().Sub(t.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return elapsed * (100 - percent) / percent
}
