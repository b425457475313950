package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"verity/internal/config"
	"verity/internal/detector"
	"verity/internal/logging"
	"verity/internal/notifications"
	"verity/internal/progress"
	"verity/internal/queue"
	"verity/internal/services"
	"verity/internal/stage"
)

// StageSet bundles the concrete pipeline handlers the manager orchestrates.
type StageSet struct {
	Sampling  stage.Handler
	Inference stage.Handler
	Fusion    stage.Handler
}

type pipelineStage struct {
	name             string
	handler          stage.Handler
	startStatus      queue.Status
	processingStatus queue.Status
	doneStatus       queue.Status
}

// Manager polls the queue and drives each job through the pipeline stages.
type Manager struct {
	cfg      *config.Config
	store    *queue.Store
	stages   []pipelineStage
	byStart  map[queue.Status]pipelineStage
	emitter  *progress.Emitter
	notifier notifications.Service
	logger   *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	lastErr atomic.Value
}

// NewManager wires the stage set into a manager.
func NewManager(cfg *config.Config, store *queue.Store, stages StageSet, emitter *progress.Emitter, notifier notifications.Service, logger *slog.Logger) *Manager {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		emitter:  emitter,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "workflow"),
	}
	m.stages = []pipelineStage{
		{name: "sampling", handler: stages.Sampling,
			startStatus: queue.StatusPending, processingStatus: queue.StatusSampling, doneStatus: queue.StatusSampled},
		{name: "inference", handler: stages.Inference,
			startStatus: queue.StatusSampled, processingStatus: queue.StatusInferring, doneStatus: queue.StatusInferred},
		{name: "fusion", handler: stages.Fusion,
			startStatus: queue.StatusInferred, processingStatus: queue.StatusFusing, doneStatus: queue.StatusCompleted},
	}
	m.byStart = make(map[queue.Status]pipelineStage, len(m.stages))
	for _, stg := range m.stages {
		m.byStart[stg.startStatus] = stg
	}
	return m
}

// Start launches the polling and reclaim loops. Jobs stranded in a
// processing status by a previous run are rewound first.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	reset, err := m.store.ResetStuckProcessing(ctx)
	if err != nil {
		m.running.Store(false)
		return err
	}
	if reset > 0 {
		m.logger.Info("rewound stranded jobs", logging.Int("count", reset))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(2)
	go m.runLoop(runCtx)
	go m.reclaimLoop(runCtx)
	return nil
}

// Stop cancels the loops and waits for in-flight stage work to finish.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// LastError returns the most recent stage failure, if any.
func (m *Manager) LastError() error {
	if err, stored := m.lastErr.Load().(error); stored {
		return err
	}
	return nil
}

// Health reports the readiness of every stage handler.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	health := make([]stage.Health, 0, len(m.stages))
	for _, stg := range m.stages {
		health = append(health, stg.handler.HealthCheck(ctx))
	}
	return health
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	poll := secondsOrDefault(m.cfg.Workflow.QueuePollInterval, 2)
	retry := secondsOrDefault(m.cfg.Workflow.ErrorRetryInterval, 10)

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.store.NextForStatuses(ctx, queue.StatusPending, queue.StatusSampled, queue.StatusInferred)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("queue poll failed", logging.Error(err))
			if !sleep(ctx, retry) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, poll) {
				return
			}
			continue
		}
		m.processJob(ctx, job)
	}
}

func (m *Manager) reclaimLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := secondsOrDefault(m.cfg.Workflow.HeartbeatInterval, 15)
	timeout := secondsOrDefault(m.cfg.Workflow.HeartbeatTimeout, 120)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := m.store.ReclaimStaleProcessing(ctx, time.Now().Add(-timeout))
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Error("heartbeat reclaim failed", logging.Error(err))
				}
				continue
			}
			if reclaimed > 0 {
				m.logger.Warn("reclaimed stale jobs", logging.Int("count", reclaimed))
			}
		}
	}
}

func (m *Manager) processJob(ctx context.Context, job *queue.Job) {
	stg, handled := m.byStart[job.Status]
	if !handled {
		m.logger.Warn("no stage for status", logging.String("status", string(job.Status)))
		return
	}

	requestID := uuid.NewString()
	stageCtx := services.WithRequestID(services.WithStage(services.WithJobID(ctx, job.ID), stg.name), requestID)
	stageLogger := logging.WithContext(stageCtx, m.logger)

	job.Status = stg.processingStatus
	if err := m.store.Update(stageCtx, job); err != nil {
		stageLogger.Error("failed to mark job processing", logging.Error(err))
		m.lastErr.Store(err)
		return
	}

	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("source", job.SourcePath))
	start := time.Now()

	stopHeartbeat := m.startHeartbeat(stageCtx, job.ID)
	err := stg.handler.Prepare(stageCtx, job)
	if err == nil {
		err = stg.handler.Execute(stageCtx, job)
	}
	stopHeartbeat()

	if err != nil {
		m.failJob(stageCtx, stageLogger, job, err)
		return
	}

	job.Status = stg.doneStatus
	job.LastHeartbeat = nil
	if err := m.store.Update(stageCtx, job); err != nil {
		stageLogger.Error("failed to persist stage completion", logging.Error(err))
		m.lastErr.Store(err)
		return
	}
	stageLogger.Info("stage finished",
		logging.String(logging.FieldEventType, "stage_finish"),
		logging.Duration("elapsed", time.Since(start)))

	if job.Status == queue.StatusCompleted {
		m.notifyCompleted(stageCtx, job)
	}
}

// startHeartbeat stamps the job's heartbeat on the configured interval until
// the returned stop function runs.
func (m *Manager) startHeartbeat(ctx context.Context, jobID int64) func() {
	interval := secondsOrDefault(m.cfg.Workflow.HeartbeatInterval, 15)
	done := make(chan struct{})
	var once sync.Once

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.UpdateHeartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
					m.logger.Warn("heartbeat update failed",
						logging.Int64(logging.FieldJobID, jobID), logging.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (m *Manager) failJob(ctx context.Context, logger *slog.Logger, job *queue.Job, stageErr error) {
	m.lastErr.Store(stageErr)
	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failed"),
		logging.Error(stageErr))

	job.SetFailed(services.Details(stageErr))
	if err := m.store.Update(ctx, job); err != nil {
		logger.Error("failed to persist job failure", logging.Error(err))
	}
	m.emitter.Emit(progress.Event{
		JobID:   job.ID,
		Stage:   progress.StageFailed,
		Message: job.ErrorMessage,
	})
	if err := m.notifier.Publish(ctx, notifications.EventJobFailed, notifications.Payload{
		JobID: job.ID,
		Title: job.Title,
		Error: job.ErrorMessage,
	}); err != nil {
		logger.Warn("failure notification not delivered", logging.Error(err))
	}
}

func (m *Manager) notifyCompleted(ctx context.Context, job *queue.Job) {
	payload := notifications.Payload{JobID: job.ID, Title: job.Title}
	if result, err := detector.DecodeResult(job.ResultJSON); err == nil {
		payload.Verdict = string(result.Verdict)
		payload.Probability = result.VideoProbability
	}
	if err := m.notifier.Publish(ctx, notifications.EventJobCompleted, payload); err != nil {
		m.logger.Warn("completion notification not delivered",
			logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
	}
}

func secondsOrDefault(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
