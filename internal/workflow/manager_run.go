package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reelforge/internal/logging"
	"reelforge/internal/projects"
	"reelforge/internal/services"
)

// runStageLoop dispatches claimed projects onto a bounded pool of workers so
// one slow project never stalls the others queued behind it in the same
// stage.
func (m *Manager) runStageLoop(ctx context.Context, stg pipelineStage) {
	defer m.wg.Done()
	logger := logging.NewComponentLogger(m.logger, "workflow-"+stg.name)

	sem := make(chan struct{}, m.stageWorkers)
	var workers sync.WaitGroup
	defer workers.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if stg.startStatus == projects.StatusUploaded {
			if err := m.heartbeat.ReclaimStale(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("reclaim stale analyzing failed", logging.Error(err))
			}
		}

		batch, err := m.store.ListForStatuses(ctx, m.stageWorkers, stg.startStatus)
		if err != nil {
			m.setLastError(err)
			logger.Error("failed to fetch pending projects", logging.Error(err))
			m.waitOrShutdown(ctx, m.errorRetryInterval())
			continue
		}

		dispatched := 0
		for _, candidate := range batch {
			if !m.claim(candidate.ID) {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				m.release(candidate.ID)
				return
			}
			dispatched++
			workers.Add(1)
			go func(project *projects.Project) {
				defer workers.Done()
				defer func() {
					<-sem
					m.release(project.ID)
				}()
				_ = m.processProject(ctx, stg, logger, project)
			}(candidate)
		}
		if dispatched == 0 {
			m.waitOrShutdown(ctx, m.pollInterval)
		}
	}
}

func (m *Manager) processProject(ctx context.Context, stg pipelineStage, logger *slog.Logger, project *projects.Project) error {
	stageCtx := services.WithStage(services.WithProjectID(ctx, project.ID), stg.name)
	stageLogger := logging.WithContext(stageCtx, logger)

	if stg.processingStatus != stg.startStatus {
		if err := m.store.Transition(stageCtx, project.ID, project.Status, stg.processingStatus); err != nil {
			stageLogger.Error("failed to transition project to processing", logging.Error(err))
			m.setLastError(err)
			return err
		}
		m.metrics.ObserveTransition(string(project.Status), string(stg.processingStatus))
		project.Status = stg.processingStatus
	}

	start := time.Now()
	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("filename", project.Filename),
	)

	execErr := m.executeWithHeartbeat(stageCtx, stg.handler, project)
	if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			stageLogger.Debug("stage interrupted by shutdown")
			return execErr
		}
		m.handleStageFailure(stageCtx, stg, project, execErr)
		m.setLastError(execErr)
		return execErr
	}

	if stg.doneStatus != "" {
		if err := m.store.Transition(stageCtx, project.ID, stg.processingStatus, stg.doneStatus); err != nil {
			stageLogger.Error("failed to persist stage result", logging.Error(err))
			m.setLastError(err)
			return err
		}
		m.metrics.ObserveTransition(string(stg.processingStatus), string(stg.doneStatus))
	} else {
		m.metrics.ObserveTransition(string(stg.processingStatus), string(projects.StatusCompleted))
	}
	if m.metrics != nil {
		m.metrics.StageSeconds.WithLabelValues(stg.name).Observe(time.Since(start).Seconds())
	}

	stageLogger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", time.Since(start)),
	)
	return nil
}

func (m *Manager) executeWithHeartbeat(ctx context.Context, handler interface {
	Execute(context.Context, *projects.Project) error
}, project *projects.Project) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, project.ID)

	execErr := handler.Execute(ctx, project)
	hbCancel()
	hbWG.Wait()
	return execErr
}

func (m *Manager) waitOrShutdown(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (m *Manager) errorRetryInterval() time.Duration {
	if m.cfg.Workflow.ErrorRetryInterval > 0 {
		return time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second
	}
	return 5 * time.Second
}
