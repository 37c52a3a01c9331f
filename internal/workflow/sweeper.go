package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"reelforge/internal/logging"
	"reelforge/internal/metrics"
	"reelforge/internal/projects"
	"reelforge/internal/storage"
)

// Sweeper expires completed projects whose retention window lapsed: it
// deletes the stored deliverable and flips the record to expired. Every step
// is idempotent, so a sweep interrupted mid-run simply finishes on the next
// tick.
type Sweeper struct {
	store    *projects.Store
	blobs    storage.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper constructs the retention sweeper.
func NewSweeper(store *projects.Store, blobs storage.Store, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		blobs:    blobs,
		metrics:  m,
		logger:   logging.NewComponentLogger(logger, "sweeper"),
		interval: interval,
	}
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("retention sweep failed", logging.Error(err))
			}
		}
	}
}

// SweepOnce expires every project whose deadline has passed. The deliverable
// blob is removed before the status flips; if the daemon dies in between, the
// next sweep re-selects the project and the blob delete is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	due, err := s.store.ListExpiryDue(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, item := range due {
		logger := s.logger.With(logging.String(logging.FieldProjectID, item.ProjectID))
		if item.Deliverable != "" {
			if err := s.blobs.Delete(ctx, item.Deliverable); err != nil {
				logger.Warn("could not delete expired deliverable", logging.Error(err))
				continue
			}
		}
		expired, err := s.store.MarkExpired(ctx, item.ProjectID)
		if err != nil {
			logger.Warn("could not mark project expired", logging.Error(err))
			continue
		}
		if expired {
			if s.metrics != nil {
				s.metrics.SweptProjects.Inc()
			}
			s.metrics.ObserveTransition(string(projects.StatusCompleted), string(projects.StatusExpired))
			logger.Info("project expired", logging.String(logging.FieldEventType, "project_expired"))
		}
	}
	return nil
}
