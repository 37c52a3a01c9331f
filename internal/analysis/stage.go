// Package analysis implements the stage that inspects an uploaded sample,
// derives an initial generation plan, and selects a generation backend.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/media"
	"reelforge/internal/projects"
	"reelforge/internal/selector"
	"reelforge/internal/services"
	"reelforge/internal/services/llm"
	"reelforge/internal/stage"
	"reelforge/internal/storage"
)

const stageName = "analysis"

var probeMedia = media.Probe

// Completion is the interface the stage needs from the language model.
type Completion interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Stage analyzes uploads and produces the first plan revision.
type Stage struct {
	cfg    *config.Config
	store  *projects.Store
	blobs  storage.Store
	llm    Completion
	logger *slog.Logger
}

// NewStage constructs the analysis stage.
func NewStage(cfg *config.Config, store *projects.Store, blobs storage.Store, completion Completion, logger *slog.Logger) *Stage {
	return &Stage{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		llm:    completion,
		logger: logging.NewComponentLogger(logger, stageName),
	}
}

// Result is the structured output the language model returns.
type Result struct {
	Summary     string  `json:"summary"`
	Style       string  `json:"style"`
	Transcript  string  `json:"transcript"`
	Complexity  float64 `json:"complexity"`
	VoiceScript string  `json:"voice_script"`
	UseVoice    bool    `json:"use_voice"`
	Clips       []struct {
		Description string  `json:"description"`
		Seconds     float64 `json:"seconds"`
		Transition  string  `json:"transition"`
		UseRefImage bool    `json:"use_ref_image"`
	} `json:"clips"`
}

const systemPrompt = `You are a short-form video director. Given a description of
an uploaded sample video, produce a JSON plan for a vertical (9:16) video of at
most 60 seconds. Respond with a single JSON object:
{"summary": "...", "style": "...", "transcript": "...", "complexity": 0.5,
 "use_voice": false, "voice_script": "",
 "clips": [{"description": "...", "seconds": 5, "transition": "cut", "use_ref_image": false}]}
"transcript" is the spoken dialogue of the sample, "complexity" grades visual
difficulty from 0 to 1. Each clip description must be a self-contained
generation prompt in your own words; never copy the sample's dialogue into
clip descriptions. Clip durations must sum to 60 seconds or less.`

// transcriptEchoLimit is the longest literal run of the sample transcript a
// clip description may contain before the plan is rejected.
const transcriptEchoLimit = 40

// Execute implements stage.Handler.
func (s *Stage) Execute(ctx context.Context, project *projects.Project) error {
	logger := logging.WithContext(ctx, s.logger)

	info, err := s.probeSample(ctx, project)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "probe sample", "", err)
	}
	logger.Info("sample probed",
		logging.Float64("duration_seconds", info.DurationSeconds),
		logging.Int("width", info.Width),
		logging.Int("height", info.Height),
	)
	if err := s.store.SetProgress(ctx, project.ID, projects.StatusAnalyzing, 25); err != nil {
		return err
	}

	result, err := s.requestPlan(ctx, project, info)
	if err != nil {
		return err
	}
	if err := s.store.SetProgress(ctx, project.ID, projects.StatusAnalyzing, 70); err != nil {
		return err
	}

	plan := buildPlan(result)
	if err := plan.Validate(); err != nil {
		return services.Wrap(services.ErrRetryableExternal, stageName, "validate generated plan", "", err)
	}
	if echoed, clip := transcriptEcho(plan, result.Transcript); echoed {
		return services.Wrap(services.ErrInvalidInput, stageName, "validate generated plan",
			fmt.Sprintf("clip %d reproduces sample dialogue verbatim", clip), nil)
	}

	selection, err := s.selectBackend(plan, result, project)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, stageName, "select backend", "", err)
	}

	analysisJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	if err := s.store.SetAnalysis(ctx, project.ID, string(analysisJSON), selection.Primary.Provider, selection.Primary.Model); err != nil {
		return err
	}
	revision, err := s.store.ReplacePlan(ctx, project.ID, plan, project.PlanRevision)
	if err != nil {
		return err
	}

	logger.Info("analysis complete",
		logging.String("plan_revision", revision),
		logging.String("provider", selection.Primary.Provider),
		logging.String("model", selection.Primary.Model),
		logging.Int("clips", len(plan.Clips)),
		logging.Float64("planned_seconds", plan.TotalSeconds()),
	)
	return nil
}

// HealthCheck implements stage.Handler.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	if !media.Available(s.cfg.FFprobeBinary()) {
		return stage.Unhealthy(stageName, "ffprobe not found in PATH")
	}
	if len(s.cfg.LLM.APIKeys) == 0 {
		return stage.Unhealthy(stageName, "no llm api keys configured")
	}
	return stage.Healthy(stageName)
}

func (s *Stage) probeSample(ctx context.Context, project *projects.Project) (media.Info, error) {
	reader, err := s.blobs.Get(ctx, project.SampleLocator)
	if err != nil {
		return media.Info{}, err
	}
	defer reader.Close()

	local := filepath.Join(s.cfg.Paths.WorkDir, "analysis-"+project.ID+filepath.Ext(project.Filename))
	file, err := os.Create(local)
	if err != nil {
		return media.Info{}, fmt.Errorf("stage sample locally: %w", err)
	}
	defer os.Remove(local)
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return media.Info{}, fmt.Errorf("download sample: %w", err)
	}
	if err := file.Close(); err != nil {
		return media.Info{}, fmt.Errorf("flush sample: %w", err)
	}

	return probeMedia(ctx, s.cfg.FFprobeBinary(), local)
}

func (s *Stage) requestPlan(ctx context.Context, project *projects.Project, info media.Info) (Result, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Sample file: %s (%.1f seconds, %dx%d).\n",
		project.Filename, info.DurationSeconds, info.Width, info.Height)
	if project.RefImageLocator != "" {
		prompt.WriteString("A reference image is available; clips may anchor to it with use_ref_image.\n")
	}
	if project.RefAudioLocator != "" {
		prompt.WriteString("The user supplied a soundtrack; do not request synthesized voice.\n")
	}
	if trimmed := strings.TrimSpace(project.UserContext); trimmed != "" {
		fmt.Fprintf(&prompt, "User direction: %s\n", trimmed)
	}

	content, err := s.llm.CompleteJSON(ctx, systemPrompt, prompt.String())
	if err != nil {
		return Result{}, services.Wrap(services.ErrRetryableExternal, stageName, "request plan", "", err)
	}
	var result Result
	if err := llm.DecodeJSON(content, &result); err != nil {
		return Result{}, services.Wrap(services.ErrRetryableExternal, stageName, "decode plan", "", err)
	}
	if len(result.Clips) == 0 {
		return Result{}, services.Wrap(services.ErrRetryableExternal, stageName, "decode plan", "model returned no clips", nil)
	}
	return result, nil
}

func (s *Stage) selectBackend(plan projects.Plan, result Result, project *projects.Project) (selector.Selection, error) {
	return selector.Select(selector.Requirements{
		LongestClipSeconds: longestClip(plan),
		NeedsImageRef:      plan.NeedsReferenceImage() && project.RefImageLocator != "",
		NeedsVoice:         plan.UseVoice,
		Complexity:         result.Complexity,
		Enabled:            enabledProviders(s.cfg.Providers),
	})
}

// transcriptEcho reports whether any clip description contains a long
// literal run of the sample transcript. Plans must describe new footage in
// the director's own words, not replay the sample.
func transcriptEcho(plan projects.Plan, transcript string) (bool, int) {
	transcript = strings.ToLower(strings.Join(strings.Fields(transcript), " "))
	if len(transcript) < transcriptEchoLimit {
		return false, 0
	}
	for _, clip := range plan.Clips {
		description := strings.ToLower(strings.Join(strings.Fields(clip.Description), " "))
		for start := 0; start+transcriptEchoLimit <= len(description); start++ {
			if strings.Contains(transcript, description[start:start+transcriptEchoLimit]) {
				return true, clip.Index
			}
		}
	}
	return false, 0
}

func buildPlan(result Result) projects.Plan {
	plan := projects.Plan{
		Summary:     strings.TrimSpace(result.Summary),
		Style:       strings.TrimSpace(result.Style),
		AspectRatio: projects.DefaultAspectRatio,
		VoiceScript: strings.TrimSpace(result.VoiceScript),
		UseVoice:    result.UseVoice,
	}
	for i, clip := range result.Clips {
		plan.Clips = append(plan.Clips, projects.PlanClip{
			Index:       i,
			Description: strings.TrimSpace(clip.Description),
			Seconds:     clip.Seconds,
			Transition:  strings.TrimSpace(clip.Transition),
			UseRefImage: clip.UseRefImage,
		})
	}
	return plan
}

func longestClip(plan projects.Plan) float64 {
	var longest float64
	for _, clip := range plan.Clips {
		if clip.Seconds > longest {
			longest = clip.Seconds
		}
	}
	return longest
}

func enabledProviders(cfg config.Providers) map[string]bool {
	return map[string]bool{
		"runway": cfg.Runway.Enabled,
		"veo":    cfg.Veo.Enabled,
		"wan":    cfg.Wan.Enabled,
	}
}
