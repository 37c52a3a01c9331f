package testsupport

import (
	"context"
	"testing"

	"reelforge/internal/config"
	"reelforge/internal/projects"
)

// MustOpenStore opens a projects.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *projects.Store {
	t.Helper()

	store, err := projects.Open(cfg)
	if err != nil {
		t.Fatalf("projects.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewProject inserts a fresh uploaded project for tests.
func NewProject(t testing.TB, store *projects.Store, ownerID string) *projects.Project {
	t.Helper()

	project, err := store.Create(context.Background(), projects.NewProject{
		OwnerID:       ownerID,
		Filename:      "sample.mp4",
		SampleLocator: "projects/test/sample/sample.mp4",
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return project
}

// AdvanceTo walks a project along the happy path to the requested status.
func AdvanceTo(t testing.TB, store *projects.Store, id string, target projects.Status) {
	t.Helper()

	path := []projects.Status{
		projects.StatusUploaded,
		projects.StatusAnalyzing,
		projects.StatusAnalyzed,
		projects.StatusGenerating,
		projects.StatusAssembling,
	}
	for i := 1; i < len(path); i++ {
		if path[i-1] == target {
			return
		}
		if err := store.Transition(context.Background(), id, path[i-1], path[i]); err != nil {
			t.Fatalf("transition %s -> %s: %v", path[i-1], path[i], err)
		}
		if path[i] == target {
			return
		}
	}
	if target != path[len(path)-1] {
		t.Fatalf("cannot advance to %s via happy path", target)
	}
}

// SeedPlan stores a minimal valid plan and returns its revision.
func SeedPlan(t testing.TB, store *projects.Store, projectID string, clips ...projects.PlanClip) string {
	t.Helper()

	if len(clips) == 0 {
		clips = []projects.PlanClip{
			{Index: 0, Description: "opening shot", Seconds: 20},
			{Index: 1, Description: "product closeup", Seconds: 20},
			{Index: 2, Description: "call to action", Seconds: 20},
		}
	}
	plan := projects.Plan{
		Summary:     "test plan",
		Style:       "energetic",
		AspectRatio: projects.DefaultAspectRatio,
		Clips:       clips,
	}
	revision, err := store.ReplacePlan(context.Background(), projectID, plan, "")
	if err != nil {
		t.Fatalf("store.ReplacePlan: %v", err)
	}
	return revision
}
