package projects_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"reelforge/internal/projects"
	"reelforge/internal/testsupport"
)

func TestCreateAndFetchProject(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	project, err := store.Create(ctx, projects.NewProject{
		OwnerID:       "owner-1",
		Filename:      "clip.mp4",
		SampleLocator: "projects/x/sample/clip.mp4",
		UserContext:   "upbeat product teaser",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if project.ID == "" {
		t.Fatal("expected generated project id")
	}
	if project.Status != projects.StatusUploaded {
		t.Fatalf("new project status = %s, want uploaded", project.Status)
	}

	fetched, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if fetched.Filename != "clip.mp4" || fetched.UserContext != "upbeat product teaser" {
		t.Fatalf("fetched project fields mismatch: %+v", fetched)
	}

	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, projects.ErrNotFound) {
		t.Fatalf("GetByID missing = %v, want ErrNotFound", err)
	}
}

func TestGetOwnedEnforcesOwnership(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "owner-1")

	if _, err := store.GetOwned(context.Background(), project.ID, "owner-1"); err != nil {
		t.Fatalf("GetOwned by owner: %v", err)
	}
	if _, err := store.GetOwned(context.Background(), project.ID, "owner-2"); !errors.Is(err, projects.ErrNotFound) {
		t.Fatalf("GetOwned by stranger = %v, want ErrNotFound", err)
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "owner-1")

	if err := store.Transition(ctx, project.ID, projects.StatusUploaded, projects.StatusAnalyzing); err != nil {
		t.Fatalf("uploaded -> analyzing: %v", err)
	}

	// Skipping states is rejected before touching the database.
	err := store.Transition(ctx, project.ID, projects.StatusAnalyzing, projects.StatusGenerating)
	var invalid *projects.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("analyzing -> generating = %v, want InvalidTransitionError", err)
	}

	// A stale from-status loses the compare-and-swap even when the edge is
	// legal in the abstract.
	err = store.Transition(ctx, project.ID, projects.StatusUploaded, projects.StatusAnalyzing)
	if !errors.As(err, &invalid) {
		t.Fatalf("stale transition = %v, want InvalidTransitionError", err)
	}
	if invalid.From != projects.StatusAnalyzing {
		t.Fatalf("conflict reports from=%s, want analyzing", invalid.From)
	}
}

func TestSetProgressIsMonotone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusGenerating)

	steps := []struct {
		set  int
		want int
	}{
		{33, 33},
		{66, 66},
		{33, 66}, // late low report does not regress
		{120, 100},
		{-5, 100},
	}
	for _, step := range steps {
		if err := store.SetProgress(ctx, project.ID, projects.StatusGenerating, step.set); err != nil {
			t.Fatalf("SetProgress(%d): %v", step.set, err)
		}
		got, err := store.GetByID(ctx, project.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Progress != step.want {
			t.Fatalf("after SetProgress(%d): progress = %d, want %d", step.set, got.Progress, step.want)
		}
	}
}

func TestMarkErrorRecordsDetail(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAnalyzing)

	if err := store.MarkError(ctx, project.ID, "ffprobe rejected sample"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != projects.StatusError || got.ErrorDetail != "ffprobe rejected sample" {
		t.Fatalf("after MarkError: %+v", got)
	}
}

func TestMarkErrorRejectsTerminalProjects(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAssembling)

	if err := store.MarkCompleted(ctx, project.ID, "projects/x/final/video.mp4", 24*time.Hour); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	// A failure report racing completion must not clobber the deliverable.
	err := store.MarkError(ctx, project.ID, "late stage failure")
	var invalid *projects.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("MarkError on completed = %v, want InvalidTransitionError", err)
	}
	got, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != projects.StatusCompleted || got.ErrorDetail != "" {
		t.Fatalf("completed project mutated by MarkError: %+v", got)
	}
}

func TestMarkCompletedSetsExpiry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, project.ID, projects.StatusAssembling)

	retention := 7 * 24 * time.Hour
	before := time.Now().UTC()
	if err := store.MarkCompleted(ctx, project.ID, "projects/x/final/video.mp4", retention); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, err := store.GetByID(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != projects.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Deliverable != "projects/x/final/video.mp4" {
		t.Fatalf("deliverable = %q", got.Deliverable)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.CompletedAt == nil || got.ExpiresAt == nil {
		t.Fatal("completed_at and expires_at should be set")
	}
	window := got.ExpiresAt.Sub(*got.CompletedAt)
	if window != retention {
		t.Fatalf("expiry window = %s, want %s", window, retention)
	}
	if got.ExpiresAt.Before(before.Add(retention - time.Minute)) {
		t.Fatalf("expires_at %s earlier than expected", got.ExpiresAt)
	}

	// Completing twice is rejected; the project already left assembling.
	err = store.MarkCompleted(ctx, project.ID, "other", retention)
	var invalid *projects.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("second MarkCompleted = %v, want InvalidTransitionError", err)
	}
}

func TestRequestCancelOnlyDuringProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	project := testsupport.NewProject(t, store, "owner-1")
	requested, err := store.RequestCancel(ctx, project.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if requested {
		t.Fatal("cancel of an uploaded project should be refused")
	}

	testsupport.AdvanceTo(t, store, project.ID, projects.StatusGenerating)
	requested, err = store.RequestCancel(ctx, project.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !requested {
		t.Fatal("cancel of a generating project should be accepted")
	}

	flagged, err := store.CancelRequested(ctx, project.ID)
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !flagged {
		t.Fatal("cancel flag should persist")
	}
}

func TestExpirySweepBoundaryAndIdempotence(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	fresh := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, fresh.ID, projects.StatusAssembling)
	if err := store.MarkCompleted(ctx, fresh.ID, "projects/a/final/video.mp4", 7*24*time.Hour); err != nil {
		t.Fatalf("MarkCompleted fresh: %v", err)
	}

	stale := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, stale.ID, projects.StatusAssembling)
	if err := store.MarkCompleted(ctx, stale.ID, "projects/b/final/video.mp4", time.Millisecond); err != nil {
		t.Fatalf("MarkCompleted stale: %v", err)
	}

	due, err := store.ListExpiryDue(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("ListExpiryDue: %v", err)
	}
	if len(due) != 1 || due[0].ProjectID != stale.ID {
		t.Fatalf("expiry due = %+v, want only the stale project", due)
	}

	expired, err := store.MarkExpired(ctx, stale.ID)
	if err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	if !expired {
		t.Fatal("first MarkExpired should report a change")
	}
	expired, err = store.MarkExpired(ctx, stale.ID)
	if err != nil {
		t.Fatalf("second MarkExpired: %v", err)
	}
	if expired {
		t.Fatal("second MarkExpired should be a no-op")
	}

	got, err := store.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != projects.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if got.Deliverable != "" {
		t.Fatalf("deliverable should be cleared, got %q", got.Deliverable)
	}

	// The unexpired project is untouched.
	keep, err := store.GetByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetByID fresh: %v", err)
	}
	if keep.Status != projects.StatusCompleted {
		t.Fatalf("fresh project status = %s, want completed", keep.Status)
	}
}

func TestResetStuckAnalyzing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	stuck := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, stuck.ID, projects.StatusAnalyzing)
	untouched := testsupport.NewProject(t, store, "owner-1")
	testsupport.AdvanceTo(t, store, untouched.ID, projects.StatusGenerating)

	reset, err := store.ResetStuckAnalyzing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckAnalyzing: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset = %d, want 1", reset)
	}

	got, err := store.GetByID(ctx, stuck.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != projects.StatusUploaded {
		t.Fatalf("stuck project status = %s, want uploaded", got.Status)
	}

	still, err := store.GetByID(ctx, untouched.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if still.Status != projects.StatusGenerating {
		t.Fatalf("generating project status = %s, want generating (resumes in place)", still.Status)
	}
}

func TestNextForStatusesReturnsOldestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.NewProject(t, store, "owner-1")
	time.Sleep(5 * time.Millisecond)
	testsupport.NewProject(t, store, "owner-1")

	next, err := store.NextForStatuses(ctx, projects.StatusUploaded)
	if err != nil {
		t.Fatalf("NextForStatuses: %v", err)
	}
	if next == nil || next.ID != first.ID {
		t.Fatalf("next = %+v, want the oldest uploaded project", next)
	}

	none, err := store.NextForStatuses(ctx, projects.StatusAssembling)
	if err != nil {
		t.Fatalf("NextForStatuses empty: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil for empty lane, got %+v", none)
	}
}

func TestListForStatusesRespectsLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.NewProject(t, store, "owner-1")
	time.Sleep(5 * time.Millisecond)
	second := testsupport.NewProject(t, store, "owner-1")
	time.Sleep(5 * time.Millisecond)
	testsupport.NewProject(t, store, "owner-1")

	batch, err := store.ListForStatuses(ctx, 2, projects.StatusUploaded)
	if err != nil {
		t.Fatalf("ListForStatuses: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].ID != first.ID || batch[1].ID != second.ID {
		t.Fatalf("batch not oldest-first: %s, %s", batch[0].ID, batch[1].ID)
	}

	empty, err := store.ListForStatuses(ctx, 2, projects.StatusGenerating)
	if err != nil {
		t.Fatalf("ListForStatuses empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty batch, got %d", len(empty))
	}
}
