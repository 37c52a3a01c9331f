// Package daemon wires the project store, workflow manager, and HTTP API into
// a single-instance background service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"reelforge/internal/config"
	"reelforge/internal/identity"
	"reelforge/internal/logging"
	"reelforge/internal/metrics"
	"reelforge/internal/negotiation"
	"reelforge/internal/projects"
	"reelforge/internal/stage"
	"reelforge/internal/storage"
	"reelforge/internal/workflow"
)

// Services carries the collaborators the daemon coordinates.
type Services struct {
	Store       *projects.Store
	Blobs       storage.Store
	Workflow    *workflow.Manager
	Identity    *identity.Manager
	Negotiation *negotiation.Service
	Metrics     *metrics.Metrics
}

// Daemon owns the processing lanes and the API surface. A file lock enforces
// one instance per database.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *projects.Store
	blobs    storage.Store
	workflow *workflow.Manager
	tokens   *identity.Manager
	chat     *negotiation.Service
	metrics  *metrics.Metrics
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status reports daemon runtime information.
type Status struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	DatabasePath string         `json:"database_path"`
	LockFilePath string         `json:"lock_file_path"`
	Stages       []stage.Health `json:"stages"`
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, svcs Services, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || svcs.Store == nil || svcs.Workflow == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, workflow manager, and logger")
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    svcs.Store,
		blobs:    svcs.Blobs,
		workflow: svcs.Workflow,
		tokens:   svcs.Identity,
		chat:     svcs.Negotiation,
		metrics:  svcs.Metrics,
		lockPath: cfg.Paths.LockFile,
		lock:     flock.New(cfg.Paths.LockFile),
	}

	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the instance lock and launches the workflow manager and the
// API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another reelforge daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			d.workflow.Stop()
			_ = d.lock.Unlock()
			d.cancel()
			d.ctx = nil
			d.cancel = nil
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
		Stages:       d.workflow.StageHealth(ctx),
	}
}
