// Package assembly implements the stage that stitches generated clips into
// the final deliverable and records it with its retention deadline.
package assembly

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/media"
	"reelforge/internal/projects"
	"reelforge/internal/services"
	"reelforge/internal/stage"
	"reelforge/internal/storage"
	"reelforge/internal/voice"
)

const stageName = "assembly"

var (
	normalizeClip = media.Normalize
	concatClips   = media.Concat
	trimVideo     = media.Trim
	muxAudio      = media.MuxAudio
	probeVideo    = media.Probe
)

// Stage assembles clips with ffmpeg: normalize each to the portrait format,
// concatenate in plan order, enforce the duration ceiling, then lay audio.
type Stage struct {
	cfg    *config.Config
	store  *projects.Store
	blobs  storage.Store
	voice  voice.Synthesizer
	logger *slog.Logger

	// sleep overrides the retry backoff; tests replace it to avoid waits.
	sleep func(context.Context, time.Duration) error
}

// NewStage constructs the assembly stage. The synthesizer may be nil when
// voice is not configured; plans requesting voice then ship without audio.
func NewStage(cfg *config.Config, store *projects.Store, blobs storage.Store, synthesizer voice.Synthesizer, logger *slog.Logger) *Stage {
	return &Stage{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		voice:  synthesizer,
		logger: logging.NewComponentLogger(logger, stageName),
	}
}

// Execute implements stage.Handler. The ffmpeg pipeline is retried with
// bounded backoff; clip downloads and the final upload are part of each
// attempt so a torn attempt leaves nothing half-written. A cancellation
// request is honored between attempts and between pipeline phases.
func (s *Stage) Execute(ctx context.Context, project *projects.Project) error {
	logger := logging.WithContext(ctx, s.logger)

	if err := s.checkCancelled(ctx, project.ID); err != nil {
		return err
	}

	policy := services.NewRetryPolicy(s.assemblyAttempts())
	if s.sleep != nil {
		policy.Sleeper = s.sleep
	}

	attempt := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			if err := s.checkCancelled(ctx, project.ID); err != nil {
				return err
			}
		}
		attemptErr := s.assembleOnce(ctx, project, logger)
		if attemptErr != nil && services.Retryable(attemptErr) {
			logger.Warn("assembly attempt failed",
				logging.Int("attempt", attempt),
				logging.Error(attemptErr),
			)
		}
		return attemptErr
	})
	if err == nil {
		return nil
	}
	if services.Retryable(err) {
		return services.Wrap(services.ErrRetryableExternal, stageName, "assemble",
			fmt.Sprintf("failed after %d attempts", policy.MaxAttempts), err)
	}
	return err
}

// checkCancelled turns a pending cancellation request into the error the
// manager records as a user cancellation.
func (s *Stage) checkCancelled(ctx context.Context, projectID string) error {
	cancelled, err := s.store.CancelRequested(ctx, projectID)
	if err != nil {
		return err
	}
	if cancelled {
		return services.Wrap(services.ErrCancelled, stageName, "assembly", projects.CancelledDetail, nil)
	}
	return nil
}

// HealthCheck implements stage.Handler.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	if !media.Available(s.cfg.FFmpegBinary()) {
		return stage.Unhealthy(stageName, "ffmpeg not found in PATH")
	}
	if !media.Available(s.cfg.FFprobeBinary()) {
		return stage.Unhealthy(stageName, "ffprobe not found in PATH")
	}
	return stage.Healthy(stageName)
}

func (s *Stage) assembleOnce(ctx context.Context, project *projects.Project, logger *slog.Logger) error {
	plan, err := s.store.CurrentPlan(ctx, project.ID)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "load plan", "", err)
	}
	tasks, err := s.store.TasksForProject(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return services.Wrap(services.ErrInvalidInput, stageName, "load clips", "no generation tasks", nil)
	}
	for _, task := range tasks {
		if task.State != projects.TaskSucceeded || task.OutputLocator == "" {
			return services.Wrap(services.ErrInvalidInput, stageName, "load clips",
				fmt.Sprintf("clip %d not generated", task.ClipIndex), nil)
		}
	}

	workDir, err := os.MkdirTemp(s.cfg.Paths.WorkDir, "assembly-"+project.ID+"-")
	if err != nil {
		return fmt.Errorf("create assembly dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	ffmpeg := s.cfg.FFmpegBinary()
	normalized := make([]string, 0, len(tasks))
	for i, task := range tasks {
		if err := s.checkCancelled(ctx, project.ID); err != nil {
			return err
		}
		raw := filepath.Join(workDir, fmt.Sprintf("raw-%03d.mp4", task.ClipIndex))
		if err := s.download(ctx, task.OutputLocator, raw); err != nil {
			return err
		}
		out := filepath.Join(workDir, fmt.Sprintf("norm-%03d.mp4", task.ClipIndex))
		if err := normalizeClip(ctx, ffmpeg, raw, out); err != nil {
			return services.Wrap(services.ErrRetryableExternal, stageName, "normalize clip", "", err)
		}
		normalized = append(normalized, out)
		percent := (i + 1) * 60 / len(tasks)
		if err := s.store.SetProgress(ctx, project.ID, projects.StatusAssembling, percent); err != nil {
			return err
		}
	}

	if err := s.checkCancelled(ctx, project.ID); err != nil {
		return err
	}
	combined := filepath.Join(workDir, "combined.mp4")
	if err := concatClips(ctx, ffmpeg, normalized, combined); err != nil {
		return services.Wrap(services.ErrRetryableExternal, stageName, "concat clips", "", err)
	}
	if err := s.store.SetProgress(ctx, project.ID, projects.StatusAssembling, 70); err != nil {
		return err
	}

	final, err := s.enforceDuration(ctx, ffmpeg, workDir, combined, logger)
	if err != nil {
		return err
	}

	withAudio, err := s.layAudio(ctx, project, plan, workDir, final, logger)
	if err != nil {
		return err
	}
	if err := s.store.SetProgress(ctx, project.ID, projects.StatusAssembling, 90); err != nil {
		return err
	}

	if err := s.checkCancelled(ctx, project.ID); err != nil {
		return err
	}
	locator, err := s.upload(ctx, project.ID, withAudio)
	if err != nil {
		return err
	}

	retention := time.Duration(s.retentionDays()) * 24 * time.Hour
	if err := s.store.MarkCompleted(ctx, project.ID, locator, retention); err != nil {
		return err
	}
	logger.Info("deliverable assembled",
		logging.String("deliverable", locator),
		logging.Duration("retention", retention),
	)
	return nil
}

// enforceDuration trims the combined video down to the delivery ceiling when
// the concatenated clips run long, and records the trim in the log.
func (s *Stage) enforceDuration(ctx context.Context, ffmpeg, workDir, combined string, logger *slog.Logger) (string, error) {
	info, err := probeVideo(ctx, s.cfg.FFprobeBinary(), combined)
	if err != nil {
		return "", services.Wrap(services.ErrRetryableExternal, stageName, "probe combined video", "", err)
	}
	if info.DurationSeconds <= projects.MaxPlanSeconds {
		return combined, nil
	}

	trimmed := filepath.Join(workDir, "trimmed.mp4")
	if err := trimVideo(ctx, ffmpeg, combined, trimmed, projects.MaxPlanSeconds); err != nil {
		return "", services.Wrap(services.ErrRetryableExternal, stageName, "trim video", "", err)
	}
	logger.Warn("deliverable trimmed to duration ceiling",
		logging.Float64("combined_seconds", info.DurationSeconds),
		logging.Float64("ceiling_seconds", projects.MaxPlanSeconds),
		logging.Float64("trimmed_seconds", info.DurationSeconds-projects.MaxPlanSeconds),
	)
	return trimmed, nil
}

// layAudio muxes the user soundtrack when one was uploaded, otherwise
// synthesized narration when the plan requests it. Silent video is a valid
// outcome for plans with neither.
func (s *Stage) layAudio(ctx context.Context, project *projects.Project, plan projects.Plan, workDir, video string, logger *slog.Logger) (string, error) {
	ffmpeg := s.cfg.FFmpegBinary()

	if project.RefAudioLocator != "" {
		audio := filepath.Join(workDir, "soundtrack"+filepath.Ext(project.RefAudioLocator))
		if err := s.download(ctx, project.RefAudioLocator, audio); err != nil {
			return "", err
		}
		out := filepath.Join(workDir, "with-audio.mp4")
		if err := muxAudio(ctx, ffmpeg, video, audio, out); err != nil {
			return "", services.Wrap(services.ErrRetryableExternal, stageName, "mux soundtrack", "", err)
		}
		return out, nil
	}

	if plan.UseVoice && plan.VoiceScript != "" {
		if s.voice == nil {
			logger.Warn("plan requests voice but no synthesizer is configured; shipping silent video")
			return video, nil
		}
		speech, err := s.voice.Synthesize(ctx, plan.VoiceScript)
		if err != nil {
			return "", err
		}
		if _, err := s.blobs.Put(ctx, storage.VoiceKey(project.ID), bytes.NewReader(speech), int64(len(speech)), "audio/mpeg"); err != nil {
			return "", err
		}
		audio := filepath.Join(workDir, "voice.mp3")
		if err := os.WriteFile(audio, speech, 0o644); err != nil {
			return "", fmt.Errorf("write voice audio: %w", err)
		}
		out := filepath.Join(workDir, "with-voice.mp4")
		if err := muxAudio(ctx, ffmpeg, video, audio, out); err != nil {
			return "", services.Wrap(services.ErrRetryableExternal, stageName, "mux voice", "", err)
		}
		return out, nil
	}

	return video, nil
}

func (s *Stage) download(ctx context.Context, locator, dest string) error {
	reader, err := s.blobs.Get(ctx, locator)
	if err != nil {
		return services.Wrap(services.ErrRetryableExternal, stageName, "download asset", locator, err)
	}
	defer reader.Close()

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create local asset: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		return services.Wrap(services.ErrRetryableExternal, stageName, "download asset", locator, err)
	}
	return nil
}

func (s *Stage) upload(ctx context.Context, projectID, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open deliverable: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat deliverable: %w", err)
	}
	locator, err := s.blobs.Put(ctx, storage.DeliverableKey(projectID), file, info.Size(), "video/mp4")
	if err != nil {
		return "", services.Wrap(services.ErrRetryableExternal, stageName, "upload deliverable", "", err)
	}
	return locator, nil
}

func (s *Stage) assemblyAttempts() int {
	if s.cfg.Workflow.AssemblyRetries > 0 {
		return s.cfg.Workflow.AssemblyRetries + 1
	}
	return 3
}

func (s *Stage) retentionDays() int {
	if s.cfg.Workflow.RetentionDays > 0 {
		return s.cfg.Workflow.RetentionDays
	}
	return 7
}
