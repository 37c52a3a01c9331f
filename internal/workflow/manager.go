// Package workflow coordinates project processing: it watches the record
// store, runs the registered stage handlers, keeps heartbeats fresh, records
// failures, and sweeps expired deliverables.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/metrics"
	"reelforge/internal/projects"
	"reelforge/internal/stage"
	"reelforge/internal/storage"
)

// StageSet bundles the concrete workflow handlers the manager orchestrates.
type StageSet struct {
	Analysis   stage.Handler
	Generation stage.Handler
	Assembly   stage.Handler
}

// pipelineStage binds a handler to the statuses that drive it. A stage whose
// doneStatus is empty finalizes the project itself inside Execute.
type pipelineStage struct {
	name             string
	handler          stage.Handler
	startStatus      projects.Status
	processingStatus projects.Status
	doneStatus       projects.Status
}

// Manager coordinates project processing using registered stage handlers.
type Manager struct {
	cfg     *config.Config
	store   *projects.Store
	blobs   storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	pollInterval time.Duration
	stageWorkers int
	stages       []pipelineStage
	heartbeat    *HeartbeatMonitor
	sweeper      *Sweeper

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	inFlight map[string]struct{}
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *projects.Store, blobs storage.Store, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workflow.StageWorkers
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		cfg:          cfg,
		store:        store,
		blobs:        blobs,
		metrics:      m,
		logger:       logger,
		pollInterval: time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		stageWorkers: workers,
		inFlight:     make(map[string]struct{}),
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		sweeper: NewSweeper(
			store,
			blobs,
			m,
			logger,
			time.Duration(cfg.Workflow.SweepInterval)*time.Second,
		),
	}
}

// ConfigureStages registers the stage handlers.
func (m *Manager) ConfigureStages(set StageSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = []pipelineStage{
		{
			name:             "analysis",
			handler:          set.Analysis,
			startStatus:      projects.StatusUploaded,
			processingStatus: projects.StatusAnalyzing,
			doneStatus:       projects.StatusAnalyzed,
		},
		{
			name:             "generation",
			handler:          set.Generation,
			startStatus:      projects.StatusGenerating,
			processingStatus: projects.StatusGenerating,
			doneStatus:       projects.StatusAssembling,
		},
		{
			// Assembly records completion itself: the deliverable locator
			// and expiry deadline land in the same update as the final
			// status change.
			name:             "assembly",
			handler:          set.Assembly,
			startStatus:      projects.StatusAssembling,
			processingStatus: projects.StatusAssembling,
		},
	}
}

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	stages := m.stages
	m.mu.Unlock()

	if reset, err := m.store.ResetStuckAnalyzing(runCtx); err != nil {
		m.logger.Warn("could not reset stranded analyzing projects", logging.Error(err))
	} else if reset > 0 {
		m.logger.Info("reset stranded analyzing projects", logging.Int64("count", reset))
	}

	m.wg.Add(len(stages) + 1)
	for i := range stages {
		go m.runStageLoop(runCtx, stages[i])
	}
	go func() {
		defer m.wg.Done()
		m.sweeper.Run(runCtx)
	}()
	return nil
}

// Stop terminates background processing and waits for completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Running reports whether the manager loops are active.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// claim marks a project as dispatched to a stage worker. Generation and
// assembly poll on the same status they process, so the in-memory claim is
// what keeps a slow project from being handed to a second worker between
// scans. The daemon lock file guarantees a single manager per database.
func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[id]; busy {
		return false
	}
	m.inFlight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// LastError returns the most recent loop-level failure, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// StageHealth reports readiness for every configured stage.
func (m *Manager) StageHealth(ctx context.Context) []stage.Health {
	m.mu.RLock()
	stages := m.stages
	m.mu.RUnlock()

	health := make([]stage.Health, 0, len(stages))
	for _, stg := range stages {
		if stg.handler == nil {
			health = append(health, stage.Unhealthy(stg.name, "handler not configured"))
			continue
		}
		health = append(health, stg.handler.HealthCheck(ctx))
	}
	return health
}
