package stage

import (
	"context"

	"reelforge/internal/projects"
)

// Handler describes the contract the workflow manager needs from each stage.
// Execute performs the stage's work for one project; the manager owns the
// surrounding status transitions, heartbeat, and failure recording.
type Handler interface {
	Execute(context.Context, *projects.Project) error
	HealthCheck(context.Context) Health
}
