package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/logging"
	"reelforge/internal/media"
	"reelforge/internal/projects"
	"reelforge/internal/services"
	"reelforge/internal/storage"
	"reelforge/internal/testsupport"
)

type stubCompletion struct {
	response string
	err      error

	systemPrompt string
	userPrompt   string
}

func (s *stubCompletion) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.systemPrompt = systemPrompt
	s.userPrompt = userPrompt
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func setProbe(t *testing.T, info media.Info, err error) {
	t.Helper()
	original := probeMedia
	probeMedia = func(ctx context.Context, ffprobeBinary, path string) (media.Info, error) {
		return info, err
	}
	t.Cleanup(func() {
		probeMedia = original
	})
}

func newAnalysisFixture(t *testing.T, completion Completion) (*config.Config, *projects.Store, *projects.Project, *Stage) {
	t.Helper()

	cfg := testsupport.NewConfig(t,
		testsupport.WithProvider("runway"),
		testsupport.WithProvider("veo"),
	)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAnalyzing)

	blobs, err := storage.NewLocalStore(cfg.Paths.WorkDir, []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	if _, err := blobs.Put(context.Background(), project.SampleLocator,
		strings.NewReader("sample-bytes"), -1, "video/mp4"); err != nil {
		t.Fatalf("seed sample blob: %v", err)
	}

	stage := NewStage(cfg, store, blobs, completion, logging.NewNop())
	return cfg, store, project, stage
}

const goodPlanResponse = `{
	"summary": "a sneaker spins over neon pavement",
	"style": "high energy",
	"transcript": "check out these brand new kicks",
	"complexity": 0.3,
	"use_voice": false,
	"voice_script": "",
	"clips": [
		{"description": "sneaker rotating on a pedestal under neon light", "seconds": 8, "transition": "cut"},
		{"description": "closeup of the sole flexing mid stride", "seconds": 8, "transition": "cut"},
		{"description": "runner sprinting through rain lit streets", "seconds": 8, "transition": "fade"}
	]
}`

func TestExecuteStoresPlanAndSelection(t *testing.T) {
	completion := &stubCompletion{response: goodPlanResponse}
	setProbe(t, media.Info{DurationSeconds: 31.2, Width: 1080, Height: 1920, HasAudio: true}, nil)
	_, store, project, stage := newAnalysisFixture(t, completion)
	ctx := context.Background()

	if err := stage.Execute(ctx, project); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	refreshed, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.AnalysisJSON == "" {
		t.Error("analysis JSON not persisted")
	}
	if refreshed.SelectedProvider != "runway" || refreshed.SelectedModel != "gen4_turbo" {
		t.Errorf("selection = %s/%s, want runway/gen4_turbo", refreshed.SelectedProvider, refreshed.SelectedModel)
	}
	if refreshed.Progress < 70 {
		t.Errorf("progress = %d, want at least 70", refreshed.Progress)
	}

	plan, err := store.CurrentPlan(ctx, project.ID)
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if plan.Revision == "" {
		t.Error("plan stored without a revision")
	}
	if len(plan.Clips) != 3 {
		t.Errorf("clip count = %d, want 3", len(plan.Clips))
	}
	if plan.AspectRatio != projects.DefaultAspectRatio {
		t.Errorf("aspect ratio = %q", plan.AspectRatio)
	}

	if !strings.Contains(completion.userPrompt, "sample.mp4") {
		t.Errorf("user prompt missing file info: %q", completion.userPrompt)
	}
	if !strings.Contains(completion.userPrompt, "31.2 seconds") {
		t.Errorf("user prompt missing probed duration: %q", completion.userPrompt)
	}
}

func TestExecuteRejectsTranscriptEcho(t *testing.T) {
	echoed := `{
		"summary": "a motivational speech",
		"style": "talking head",
		"transcript": "the only way to do great work is to love what you do every single day",
		"complexity": 0.2,
		"clips": [
			{"description": "the only way to do great work is to love what you do, spoken to camera", "seconds": 10}
		]
	}`
	completion := &stubCompletion{response: echoed}
	setProbe(t, media.Info{DurationSeconds: 20, Width: 720, Height: 1280}, nil)
	_, _, project, stage := newAnalysisFixture(t, completion)

	err := stage.Execute(context.Background(), project)
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput for echoed transcript", err)
	}
	if !strings.Contains(err.Error(), "reproduces") {
		t.Errorf("error detail = %q", err.Error())
	}
}

func TestExecuteFailsWhenProbeFails(t *testing.T) {
	completion := &stubCompletion{response: goodPlanResponse}
	setProbe(t, media.Info{}, errors.New("moov atom not found"))
	_, _, project, stage := newAnalysisFixture(t, completion)

	err := stage.Execute(context.Background(), project)
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput for unreadable sample", err)
	}
}

func TestExecutePropagatesModelFailure(t *testing.T) {
	completion := &stubCompletion{err: errors.New("upstream 500")}
	setProbe(t, media.Info{DurationSeconds: 12, Width: 720, Height: 1280}, nil)
	_, _, project, stage := newAnalysisFixture(t, completion)

	err := stage.Execute(context.Background(), project)
	if !errors.Is(err, services.ErrRetryableExternal) {
		t.Fatalf("error = %v, want ErrRetryableExternal marker", err)
	}
}

func TestExecuteRejectsOverlongPlan(t *testing.T) {
	overlong := `{
		"summary": "slow travel film",
		"style": "cinematic",
		"transcript": "",
		"complexity": 0.4,
		"clips": [
			{"description": "sunrise over the valley", "seconds": 40},
			{"description": "village market crowds", "seconds": 40}
		]
	}`
	completion := &stubCompletion{response: overlong}
	setProbe(t, media.Info{DurationSeconds: 90, Width: 1080, Height: 1920}, nil)
	_, _, project, stage := newAnalysisFixture(t, completion)

	err := stage.Execute(context.Background(), project)
	if !errors.Is(err, services.ErrRetryableExternal) {
		t.Fatalf("error = %v, want ErrRetryableExternal for invalid generated plan", err)
	}
}

func TestTranscriptEcho(t *testing.T) {
	plan := projects.Plan{Clips: []projects.PlanClip{
		{Index: 0, Description: "a quiet cabin in snowy woods at dusk"},
		{Index: 1, Description: "we have always believed that the mountain keeps its own secrets hidden"},
	}}

	echoed, clip := transcriptEcho(plan, "we have always believed that the mountain keeps its own secrets hidden from travelers")
	if !echoed || clip != 1 {
		t.Errorf("echo detection = (%v, %d), want (true, 1)", echoed, clip)
	}

	if echoed, _ := transcriptEcho(plan, "short line"); echoed {
		t.Error("transcript below the echo limit flagged")
	}

	if echoed, _ := transcriptEcho(projects.Plan{Clips: []projects.PlanClip{
		{Index: 0, Description: "an original scene with no borrowed dialogue anywhere in it"},
	}}, "completely different spoken content that shares no long literal run"); echoed {
		t.Error("original description flagged as echo")
	}
}

func TestBuildPlanNormalizesClips(t *testing.T) {
	result := Result{
		Summary: "  padded  ",
		Style:   "clean",
	}
	result.Clips = append(result.Clips, struct {
		Description string  `json:"description"`
		Seconds     float64 `json:"seconds"`
		Transition  string  `json:"transition"`
		UseRefImage bool    `json:"use_ref_image"`
	}{Description: "  first shot  ", Seconds: 5, Transition: " cut "})

	plan := buildPlan(result)
	if plan.Summary != "padded" {
		t.Errorf("summary = %q", plan.Summary)
	}
	if plan.AspectRatio != projects.DefaultAspectRatio {
		t.Errorf("aspect ratio = %q", plan.AspectRatio)
	}
	if plan.Clips[0].Index != 0 || plan.Clips[0].Description != "first shot" || plan.Clips[0].Transition != "cut" {
		t.Errorf("clip = %+v", plan.Clips[0])
	}
}
