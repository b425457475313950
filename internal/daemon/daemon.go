package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"verity/internal/config"
	"verity/internal/deps"
	"verity/internal/fileutil"
	"verity/internal/logging"
	"verity/internal/queue"
	"verity/internal/registry"
	"verity/internal/stage"
	"verity/internal/workflow"
)

// Daemon coordinates the workflow manager and the HTTP API, and enforces
// single-instance execution with a lock file.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	workflow *workflow.Manager
	registry *registry.Registry
	api      *apiServer

	lockPath string
	pidPath  string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                `json:"running"`
	QueueDBPath  string              `json:"queue_db_path"`
	LockFilePath string              `json:"lock_file_path"`
	StagingUsage string              `json:"staging_usage,omitempty"`
	Queue        queue.HealthSummary `json:"queue"`
	Stages       []stage.Health      `json:"stages"`
	Models       []registry.Status   `json:"models"`
	Dependencies []deps.Status       `json:"dependencies"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, reg *registry.Registry, wf *workflow.Manager, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || reg == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, registry, and workflow manager")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "verityd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		workflow: wf,
		registry: reg,
		lockPath: lockPath,
		pidPath:  PIDPath(cfg),
		lock:     flock.New(lockPath),
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches the workflow and API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another verityd instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			d.workflow.Stop()
			cancel()
			_ = d.lock.Unlock()
			return err
		}
	}

	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		d.logger.Warn("pid file not written", logging.Error(err))
	}
	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("queue_db", d.store.Path()))
	return nil
}

// Stop shuts everything down and releases the lock. In-flight jobs are
// failed so a restart does not resume half-finished work.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.workflow.Stop()
	if d.api != nil {
		d.api.stop()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.registry.Close()

	if failed, err := d.store.FailProcessing(ctx, queue.DaemonStopReason); err != nil {
		d.logger.Warn("failed to mark in-flight jobs", logging.Error(err))
	} else if failed > 0 {
		d.logger.Info("marked in-flight jobs failed", logging.Int("count", failed))
	}
	_ = os.Remove(d.pidPath)
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("lock release failed", logging.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// PIDPath returns where the daemon records its process id.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "verityd.pid")
}

// LogPath returns the daemon's log file location.
func LogPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "verityd.log")
}

// APIAddr returns the bound API address, empty when the API is disabled.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// Status reports the daemon's view of the queue, stages, models, and
// external dependencies.
func (d *Daemon) Status(ctx context.Context) Status {
	health, err := d.store.Health(ctx)
	if err != nil {
		d.logger.Warn("queue health unavailable", logging.Error(err))
	}
	var stagingUsage string
	if size, err := fileutil.DirSize(d.cfg.Paths.StagingDir); err == nil {
		stagingUsage = humanize.IBytes(uint64(size))
	}
	return Status{
		Running:      d.running.Load(),
		QueueDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		StagingUsage: stagingUsage,
		Queue:        health,
		Stages:       d.workflow.Health(ctx),
		Models:       d.registry.Statuses(),
		Dependencies: deps.Check(d.cfg),
	}
}
