// Package generation implements the stage that turns an approved plan into
// stored video clips via the external generation backends.
package generation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/metrics"
	"reelforge/internal/projects"
	"reelforge/internal/providers"
	"reelforge/internal/selector"
	"reelforge/internal/services"
	"reelforge/internal/stage"
	"reelforge/internal/storage"
)

const stageName = "generation"

const refImageURLTTL = 24 * time.Hour

// Fetcher retrieves a generated clip from the URL a backend returns.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrRetryableExternal, stageName, "fetch clip", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, services.Wrap(services.ErrRetryableExternal, stageName, "fetch clip",
			fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}

// Stage drives clip generation for one project at a time. All coordination
// state lives in the task table, so the stage is restart-safe: tasks with a
// persisted job handle are re-polled, never re-submitted, and only pending
// tasks without a handle are dispatched.
type Stage struct {
	cfg      *config.Config
	store    *projects.Store
	blobs    storage.Store
	registry *providers.Registry
	fetcher  Fetcher
	metrics  *metrics.Metrics
	logger   *slog.Logger

	pollInterval time.Duration
	sleeper      func(context.Context, time.Duration) error
}

// Option customizes the stage.
type Option func(*Stage)

// WithFetcher overrides the clip download transport (used in tests).
func WithFetcher(fetcher Fetcher) Option {
	return func(s *Stage) {
		if fetcher != nil {
			s.fetcher = fetcher
		}
	}
}

// WithPollInterval overrides the backend poll cadence (used in tests).
func WithPollInterval(interval time.Duration) Option {
	return func(s *Stage) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewStage constructs the generation stage.
func NewStage(cfg *config.Config, store *projects.Store, blobs storage.Store, registry *providers.Registry, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Stage {
	s := &Stage{
		cfg:          cfg,
		store:        store,
		blobs:        blobs,
		registry:     registry,
		fetcher:      &httpFetcher{client: &http.Client{Timeout: 5 * time.Minute}},
		metrics:      m,
		logger:       logging.NewComponentLogger(logger, stageName),
		pollInterval: time.Duration(cfg.Workflow.GenerationPoll) * time.Second,
		sleeper:      sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 15 * time.Second
	}
	return s
}

// Execute implements stage.Handler.
func (s *Stage) Execute(ctx context.Context, project *projects.Project) error {
	logger := logging.WithContext(ctx, s.logger)

	plan, err := s.store.CurrentPlan(ctx, project.ID)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "load plan", "", err)
	}
	units, err := SplitUnits(plan, project.SelectedProvider, project.SelectedModel)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "split plan", "", err)
	}

	tasks, err := s.store.TasksForProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		specs := make([]projects.GenerationTask, 0, len(units))
		for _, unit := range units {
			specs = append(specs, projects.GenerationTask{
				ClipIndex:      unit.Index,
				Provider:       project.SelectedProvider,
				Model:          project.SelectedModel,
				PlannedSeconds: unit.Seconds,
			})
		}
		if err := s.store.CreateTasks(ctx, project.ID, specs); err != nil {
			return err
		}
		logger.Info("generation tasks created",
			logging.Int("units", len(units)),
			logging.Float64("planned_seconds", TotalSeconds(units)),
		)
	} else if len(tasks) != len(units) {
		return services.Wrap(services.ErrInvalidInput, stageName, "resume",
			fmt.Sprintf("task count %d does not match plan units %d", len(tasks), len(units)), nil)
	} else {
		logger.Info("resuming generation from persisted tasks", logging.Int("units", len(tasks)))
	}

	refImageURL := ""
	if project.RefImageLocator != "" && plan.NeedsReferenceImage() {
		refImageURL, err = s.blobs.SignedURL(ctx, project.RefImageLocator, refImageURLTTL)
		if err != nil {
			return services.Wrap(services.ErrRetryableExternal, stageName, "sign reference image", "", err)
		}
	}

	return s.runLoop(ctx, project, units, refImageURL, logger)
}

// HealthCheck implements stage.Handler.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	if len(s.registry.Names()) == 0 {
		return stage.Unhealthy(stageName, "no generation backends configured")
	}
	return stage.Healthy(stageName)
}

func (s *Stage) runLoop(ctx context.Context, project *projects.Project, units []Unit, refImageURL string, logger *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cancelled, err := s.store.CancelRequested(ctx, project.ID)
		if err != nil {
			return err
		}
		if cancelled {
			s.cancelRunning(ctx, project.ID, logger)
			return services.Wrap(services.ErrCancelled, stageName, "generation", projects.CancelledDetail, nil)
		}

		tasks, err := s.store.TasksForProject(ctx, project.ID)
		if err != nil {
			return err
		}

		if err := s.step(ctx, project, tasks, units, refImageURL, logger); err != nil {
			return err
		}

		tasks, err = s.store.TasksForProject(ctx, project.ID)
		if err != nil {
			return err
		}
		if err := s.store.SetProgress(ctx, project.ID, projects.StatusGenerating, WeightedProgress(tasks)); err != nil {
			return err
		}

		done := true
		for _, task := range tasks {
			if task.State == projects.TaskFailed {
				s.cancelRunning(ctx, project.ID, logger)
				return services.Wrap(services.ErrRetryableExternal, stageName, "clip generation",
					fmt.Sprintf("clip %d failed permanently: %s", task.ClipIndex, task.LastError), nil)
			}
			if !task.State.IsTerminal() {
				done = false
			}
		}
		if done {
			logger.Info("all clips generated", logging.Int("units", len(tasks)))
			return nil
		}

		if err := s.sleeper(ctx, s.pollInterval); err != nil {
			return err
		}
	}
}

// step makes one pass over the task table: poll running jobs, then dispatch
// pending tasks up to the concurrency ceiling.
func (s *Stage) step(ctx context.Context, project *projects.Project, tasks []*projects.GenerationTask, units []Unit, refImageURL string, logger *slog.Logger) error {
	running := 0
	for _, task := range tasks {
		if task.State != projects.TaskRunning {
			continue
		}
		if task.JobHandle == "" {
			// A crash between the submit call and the handle write leaves a
			// running task with no handle. The job's fate is unknowable, so
			// it counts as one failed attempt and re-dispatches.
			if err := s.recordFailure(ctx, task, units[task.ClipIndex], "job handle lost before persistence", logger); err != nil {
				return err
			}
			continue
		}
		finished, err := s.pollTask(ctx, project, task, units[task.ClipIndex], logger)
		if err != nil {
			return err
		}
		if !finished {
			running++
		}
	}

	for _, task := range tasks {
		if task.State != projects.TaskPending {
			continue
		}
		if running >= s.clipConcurrency() {
			break
		}
		if err := s.submitTask(ctx, project, task, units[task.ClipIndex], refImageURL, logger); err != nil {
			return err
		}
		running++
	}
	return nil
}

func (s *Stage) submitTask(ctx context.Context, project *projects.Project, task *projects.GenerationTask, unit Unit, refImageURL string, logger *slog.Logger) error {
	client, err := s.registry.Lookup(task.Provider)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "lookup provider", "", err)
	}

	req := providers.SubmitRequest{
		Model:       task.Model,
		Prompt:      unit.Prompt,
		Seconds:     unit.Seconds,
		AspectRatio: projects.DefaultAspectRatio,
	}
	if unit.UseRefImage {
		req.RefImageURL = refImageURL
	}

	handle, err := client.Submit(ctx, req)
	if err != nil {
		s.metrics.ObserveProviderCall(task.Provider, "submit_error")
		logger.Warn("clip submission failed",
			logging.Int(logging.FieldClipIndex, task.ClipIndex),
			logging.String(logging.FieldProvider, task.Provider),
			logging.Error(err),
		)
		return s.recordFailure(ctx, task, unit, err.Error(), logger)
	}
	s.metrics.ObserveProviderCall(task.Provider, "submit")

	if err := s.store.MarkTaskSubmitted(ctx, task.ID, handle); err != nil {
		return err
	}
	logger.Info("clip submitted",
		logging.Int(logging.FieldClipIndex, task.ClipIndex),
		logging.String(logging.FieldProvider, task.Provider),
		logging.String("model", task.Model),
		logging.String("job_handle", handle),
		logging.Int("attempt", task.Attempts+1),
	)
	return nil
}

// pollTask reports whether the task reached a terminal state this pass.
func (s *Stage) pollTask(ctx context.Context, project *projects.Project, task *projects.GenerationTask, unit Unit, logger *slog.Logger) (bool, error) {
	client, err := s.registry.Lookup(task.Provider)
	if err != nil {
		return false, services.Wrap(services.ErrInvalidInput, stageName, "lookup provider", "", err)
	}

	result, err := client.Poll(ctx, task.JobHandle)
	if err != nil {
		// Transient poll failures leave the job running; the handle is
		// still good and the next pass polls again.
		s.metrics.ObserveProviderCall(task.Provider, "poll_error")
		logger.Warn("clip poll failed",
			logging.Int(logging.FieldClipIndex, task.ClipIndex),
			logging.String(logging.FieldProvider, task.Provider),
			logging.Error(err),
		)
		return false, nil
	}

	switch result.Status {
	case providers.JobPending, providers.JobRunning:
		return false, nil
	case providers.JobSucceeded:
		if err := s.storeOutput(ctx, project, task, result.OutputURL); err != nil {
			logger.Warn("clip download failed",
				logging.Int(logging.FieldClipIndex, task.ClipIndex),
				logging.Error(err),
			)
			return false, nil
		}
		s.metrics.ObserveProviderCall(task.Provider, "succeeded")
		logger.Info("clip generated",
			logging.Int(logging.FieldClipIndex, task.ClipIndex),
			logging.String(logging.FieldProvider, task.Provider),
		)
		return true, nil
	case providers.JobFailed:
		s.metrics.ObserveProviderCall(task.Provider, "failed")
		return true, s.recordFailure(ctx, task, unit, result.Detail, logger)
	default:
		return false, fmt.Errorf("unknown job status %q", result.Status)
	}
}

func (s *Stage) storeOutput(ctx context.Context, project *projects.Project, task *projects.GenerationTask, outputURL string) error {
	body, err := s.fetcher.Fetch(ctx, outputURL)
	if err != nil {
		return err
	}
	defer body.Close()

	key := storage.ClipKey(project.ID, task.ClipIndex, task.Attempts)
	locator, err := s.blobs.Put(ctx, key, body, -1, "video/mp4")
	if err != nil {
		return err
	}
	return s.store.MarkTaskSucceeded(ctx, task.ID, locator)
}

// recordFailure applies the retry policy: attempts below the ceiling retry on
// the same backend, the first breach fails over once to the best alternative
// that can honor the unit, and a second breach is terminal.
func (s *Stage) recordFailure(ctx context.Context, task *projects.GenerationTask, unit Unit, detail string, logger *slog.Logger) error {
	if task.Attempts < s.retryCeiling() {
		if s.metrics != nil {
			s.metrics.TaskRetries.WithLabelValues(task.Provider).Inc()
		}
		logger.Warn("clip attempt failed, retrying",
			logging.Int(logging.FieldClipIndex, task.ClipIndex),
			logging.String(logging.FieldProvider, task.Provider),
			logging.Int("attempt", task.Attempts),
			logging.String("detail", detail),
		)
		return s.store.MarkTaskRetry(ctx, task.ID, detail)
	}

	if !task.FailedOver {
		alternative, ok := s.pickFailover(task, unit)
		if ok {
			if s.metrics != nil {
				s.metrics.TaskFailovers.WithLabelValues(task.Provider, alternative.Provider).Inc()
			}
			logger.Warn("clip failing over to alternative backend",
				logging.Int(logging.FieldClipIndex, task.ClipIndex),
				logging.String("from_provider", task.Provider),
				logging.String("to_provider", alternative.Provider),
				logging.String("to_model", alternative.Model),
			)
			return s.store.MarkTaskFailover(ctx, task.ID, alternative.Provider, alternative.Model, detail)
		}
	}

	logger.Error("clip failed permanently",
		logging.Int(logging.FieldClipIndex, task.ClipIndex),
		logging.String(logging.FieldProvider, task.Provider),
		logging.String("detail", detail),
	)
	return s.store.MarkTaskFailed(ctx, task.ID, detail)
}

// pickFailover recomputes the ranked alternatives for the unit and returns
// the first backend that differs from the exhausted one and can generate the
// unit without re-splitting. When a single configured backend satisfies the
// unit there is nowhere to fail over; the caller then marks the clip failed.
func (s *Stage) pickFailover(task *projects.GenerationTask, unit Unit) (selector.Backend, bool) {
	selection, err := selector.Select(selector.Requirements{
		LongestClipSeconds: unit.Seconds,
		NeedsImageRef:      unit.UseRefImage,
		Enabled:            s.enabledProviders(),
	})
	if err != nil {
		return selector.Backend{}, false
	}
	candidates := append([]selector.Backend{selection.Primary}, selection.Alternatives...)
	for _, candidate := range candidates {
		if candidate.Provider == task.Provider && candidate.Model == task.Model {
			continue
		}
		if candidate.MaxClipSeconds < unit.Seconds {
			continue
		}
		return candidate, true
	}
	return selector.Backend{}, false
}

func (s *Stage) cancelRunning(ctx context.Context, projectID string, logger *slog.Logger) {
	tasks, err := s.store.TasksForProject(ctx, projectID)
	if err != nil {
		logger.Warn("could not list tasks for cancel", logging.Error(err))
		return
	}
	for _, task := range tasks {
		if task.State != projects.TaskRunning || task.JobHandle == "" {
			continue
		}
		client, err := s.registry.Lookup(task.Provider)
		if err != nil {
			continue
		}
		if err := client.Cancel(ctx, task.JobHandle); err != nil {
			logger.Warn("backend cancel failed",
				logging.Int(logging.FieldClipIndex, task.ClipIndex),
				logging.Error(err),
			)
		}
	}
}

func (s *Stage) clipConcurrency() int {
	if s.cfg.Workflow.ClipConcurrency > 0 {
		return s.cfg.Workflow.ClipConcurrency
	}
	return 3
}

func (s *Stage) retryCeiling() int {
	if s.cfg.Workflow.RetryCeiling > 0 {
		return s.cfg.Workflow.RetryCeiling
	}
	return 3
}

func (s *Stage) enabledProviders() map[string]bool {
	return map[string]bool{
		"runway": s.cfg.Providers.Runway.Enabled,
		"veo":    s.cfg.Providers.Veo.Enabled,
		"wan":    s.cfg.Providers.Wan.Enabled,
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
