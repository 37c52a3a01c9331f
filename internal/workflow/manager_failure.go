package workflow

import (
	"context"
	"errors"
	"strings"

	"reelforge/internal/logging"
	"reelforge/internal/projects"
	"reelforge/internal/services"
)

func (m *Manager) handleStageFailure(ctx context.Context, stg pipelineStage, project *projects.Project, stageErr error) {
	logger := logging.WithContext(ctx, logging.NewComponentLogger(m.logger, "workflow-manager"))

	detail := failureDetail(stg.name, stageErr)
	if errors.Is(stageErr, services.ErrCancelled) {
		detail = projects.CancelledDetail
		logger.Info("stage cancelled by user",
			logging.String(logging.FieldStage, stg.name),
		)
	} else {
		logger.Error("stage failed",
			logging.String(logging.FieldStage, stg.name),
			logging.String("error_detail", detail),
			logging.Error(stageErr),
			logging.String(logging.FieldEventType, "stage_failure"),
		)
	}

	if err := m.store.MarkError(ctx, project.ID, detail); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not record stage failure")
		} else {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
		return
	}
	m.metrics.ObserveTransition(string(project.Status), string(projects.StatusError))
}

func failureDetail(stageName string, stageErr error) string {
	if stageErr == nil {
		return stageName + " failed without error detail"
	}
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		return stageName + " failed"
	}
	return message
}
