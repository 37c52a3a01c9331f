package negotiation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"reelforge/internal/logging"
	"reelforge/internal/negotiation"
	"reelforge/internal/projects"
	"reelforge/internal/services"
	"reelforge/internal/services/llm"
	"reelforge/internal/testsupport"
)

const (
	testOwner   = "owner-1"
	testSession = "default"
)

// fakeCompletion returns scripted responses in order and records every call.
type fakeCompletion struct {
	responses []string
	err       error
	calls     [][]llm.Message
}

func (f *fakeCompletion) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fakeCompletion: no scripted response left")
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

func newNegotiationFixture(t *testing.T, completion negotiation.Completion) (*projects.Store, *projects.Project, string, *negotiation.Service) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, testOwner)

	ctx := context.Background()
	if err := store.SetAnalysis(ctx, project.ID, `{"summary":"upbeat sneaker ad","complexity":0.4}`, "runway", "gen4_turbo"); err != nil {
		t.Fatalf("SetAnalysis: %v", err)
	}
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAnalyzed)
	revision := testsupport.SeedPlan(t, store, project.ID)

	service := negotiation.NewService(store, completion, logging.NewNop())
	return store, project, revision, service
}

func TestChatQuestionLeavesPlanUntouched(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"reply": "The video runs 60 seconds across three clips.", "plan_changed": false, "plan": null}`,
	}}
	store, project, revision, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	outcome, err := service.Chat(ctx, project.ID, testOwner, testSession, "how long is the video?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if outcome.PlanChanged {
		t.Error("question turn reported a plan change")
	}
	if outcome.PlanRevision != revision {
		t.Errorf("revision = %s, want unchanged %s", outcome.PlanRevision, revision)
	}
	if outcome.Reply != "The video runs 60 seconds across three clips." {
		t.Errorf("reply = %q", outcome.Reply)
	}

	current, err := store.CurrentPlan(ctx, project.ID)
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if current.Revision != revision {
		t.Errorf("stored revision moved to %s", current.Revision)
	}

	refreshed, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.Status != projects.StatusNegotiating {
		t.Errorf("status = %s, want negotiating", refreshed.Status)
	}

	turns, err := store.Turns(ctx, project.ID, testSession)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("transcript length = %d, want user+assistant pair", len(turns))
	}
	if turns[0].Role != projects.TurnRoleUser || turns[0].Text != "how long is the video?" {
		t.Errorf("user turn = %s %q", turns[0].Role, turns[0].Text)
	}
	if turns[1].Role != projects.TurnRoleAssistant {
		t.Errorf("second turn role = %s", turns[1].Role)
	}
}

func TestChatChangeReplacesPlanWholesale(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"reply": "Done, two faster clips.", "plan_changed": true, "plan": {
			"summary": "tighter cut",
			"style": "energetic",
			"aspect_ratio": "9:16",
			"clips": [
				{"index": 0, "description": "fast opener", "seconds": 10},
				{"index": 1, "description": "logo sting", "seconds": 5}
			]
		}}`,
	}}
	store, project, revision, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	outcome, err := service.Chat(ctx, project.ID, testOwner, testSession, "make it shorter, two clips")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !outcome.PlanChanged {
		t.Fatal("change turn did not report a plan change")
	}
	if outcome.PlanRevision == revision {
		t.Error("plan replacement reused the old revision")
	}
	if len(outcome.Plan.Clips) != 2 {
		t.Fatalf("outcome clips = %d, want 2", len(outcome.Plan.Clips))
	}

	current, err := store.CurrentPlan(ctx, project.ID)
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if current.Revision != outcome.PlanRevision {
		t.Errorf("stored revision = %s, outcome revision = %s", current.Revision, outcome.PlanRevision)
	}
	if current.Summary != "tighter cut" || len(current.Clips) != 2 {
		t.Errorf("stored plan not replaced wholesale: %q with %d clips", current.Summary, len(current.Clips))
	}

	history, err := store.PlanHistory(ctx, project.ID)
	if err != nil {
		t.Fatalf("PlanHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want seeded + replacement", len(history))
	}
}

func TestChatModelFailureStillRecordsTranscript(t *testing.T) {
	completion := &fakeCompletion{err: errors.New("upstream 502")}
	store, project, revision, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	_, err := service.Chat(ctx, project.ID, testOwner, testSession, "tweak the pacing")
	if !errors.Is(err, services.ErrRetryableExternal) {
		t.Fatalf("error = %v, want ErrRetryableExternal marker", err)
	}

	turns, err := store.Turns(ctx, project.ID, testSession)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("transcript length = %d, want failed turn still recorded as a pair", len(turns))
	}
	if !strings.Contains(turns[1].Text, "unchanged") {
		t.Errorf("assistant failure text = %q", turns[1].Text)
	}

	current, err := store.CurrentPlan(ctx, project.ID)
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if current.Revision != revision {
		t.Error("failed turn moved the plan revision")
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	completion := &fakeCompletion{}
	store, project, _, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	_, err := service.Chat(ctx, project.ID, testOwner, testSession, "   ")
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput marker", err)
	}
	if len(completion.calls) != 0 {
		t.Error("empty message reached the model")
	}
	turns, err := store.Turns(ctx, project.ID, testSession)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("transcript length = %d, want empty", len(turns))
	}
}

func TestChatReplaysSessionTranscript(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"reply": "It leans energetic.", "plan_changed": false, "plan": null}`,
		`{"reply": "Keeping the same style.", "plan_changed": false, "plan": null}`,
	}}
	_, project, _, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	if _, err := service.Chat(ctx, project.ID, testOwner, testSession, "what style is it?"); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if _, err := service.Chat(ctx, project.ID, testOwner, testSession, "ok keep that"); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	if len(completion.calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(completion.calls))
	}
	second := completion.calls[1]
	// system + prior user + prior assistant + new user
	if len(second) != 4 {
		t.Fatalf("second call message count = %d, want 4", len(second))
	}
	if second[1].Content != "what style is it?" || second[2].Content != "It leans energetic." {
		t.Errorf("transcript not replayed: %q / %q", second[1].Content, second[2].Content)
	}
	if second[3].Content != "ok keep that" {
		t.Errorf("new message = %q", second[3].Content)
	}
}

func TestChatIsolatesSessions(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"reply": "Hi.", "plan_changed": false, "plan": null}`,
		`{"reply": "Hello.", "plan_changed": false, "plan": null}`,
	}}
	store, project, _, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	if _, err := service.Chat(ctx, project.ID, testOwner, "session-a", "hi"); err != nil {
		t.Fatalf("Chat session-a: %v", err)
	}
	if _, err := service.Chat(ctx, project.ID, testOwner, "session-b", "hello"); err != nil {
		t.Fatalf("Chat session-b: %v", err)
	}

	// The second call must not see session-a's turns.
	if len(completion.calls[1]) != 2 {
		t.Errorf("session-b call message count = %d, want system + user only", len(completion.calls[1]))
	}
	turnsA, err := store.Turns(ctx, project.ID, "session-a")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turnsA) != 2 {
		t.Errorf("session-a transcript length = %d, want 2", len(turnsA))
	}
}

func TestChatRejectsForeignOwner(t *testing.T) {
	completion := &fakeCompletion{}
	_, project, _, service := newNegotiationFixture(t, completion)

	_, err := service.Chat(context.Background(), project.ID, "someone-else", testSession, "hi")
	if !errors.Is(err, projects.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound for foreign owner", err)
	}
	if len(completion.calls) != 0 {
		t.Error("unauthorized request reached the model")
	}
}

func TestRegenerateMintsFreshRevision(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"summary": "fresh take", "style": "cinematic", "aspect_ratio": "9:16", "clips": [
			{"index": 0, "description": "drone establishing shot", "seconds": 15},
			{"index": 1, "description": "hero closeup", "seconds": 15}
		]}`,
	}}
	store, project, revision, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	outcome, err := service.Regenerate(ctx, project.ID, testOwner, testSession, "make it punchier")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if !outcome.PlanChanged {
		t.Fatal("regenerate did not report a plan change")
	}
	if outcome.PlanRevision == revision {
		t.Error("regenerate reused the old revision")
	}
	if outcome.Plan.Summary != "fresh take" {
		t.Errorf("plan summary = %q", outcome.Plan.Summary)
	}

	// The prompt is built from the stored analysis, never the sample itself.
	if len(completion.calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(completion.calls))
	}
	system := completion.calls[0][0].Content
	if !strings.Contains(system, "upbeat sneaker ad") {
		t.Error("stored analysis missing from regenerate prompt")
	}
	user := completion.calls[0][1].Content
	if !strings.Contains(user, "make it punchier") {
		t.Errorf("instruction missing from user message: %q", user)
	}

	turns, err := store.Turns(ctx, project.ID, testSession)
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(turns))
	}
	if !strings.Contains(turns[0].Text, "make it punchier") {
		t.Errorf("user turn = %q", turns[0].Text)
	}
}

func TestRegenerateRejectsInvalidPlan(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"summary": "too long", "style": "slow", "aspect_ratio": "9:16", "clips": [
			{"index": 0, "description": "endless pan", "seconds": 90}
		]}`,
	}}
	store, project, revision, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	_, err := service.Regenerate(ctx, project.ID, testOwner, testSession, "")
	if !errors.Is(err, services.ErrRetryableExternal) {
		t.Fatalf("error = %v, want ErrRetryableExternal marker", err)
	}

	current, err := store.CurrentPlan(ctx, project.ID)
	if err != nil {
		t.Fatalf("CurrentPlan: %v", err)
	}
	if current.Revision != revision {
		t.Error("invalid regenerated plan was persisted")
	}
}

func TestApproveMovesProjectToGenerating(t *testing.T) {
	completion := &fakeCompletion{responses: []string{
		`{"reply": "Noted.", "plan_changed": false, "plan": null}`,
	}}
	store, project, _, service := newNegotiationFixture(t, completion)
	ctx := context.Background()

	if _, err := service.Chat(ctx, project.ID, testOwner, testSession, "looks good"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if err := service.Approve(ctx, project.ID, testOwner); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	refreshed, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if refreshed.Status != projects.StatusGenerating {
		t.Errorf("status = %s, want generating", refreshed.Status)
	}
}

func TestApproveRequiresPlan(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, testOwner)
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAnalyzed)

	service := negotiation.NewService(store, &fakeCompletion{}, logging.NewNop())
	err := service.Approve(context.Background(), project.ID, testOwner)
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput for planless approval", err)
	}
}
