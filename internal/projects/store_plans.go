package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrPlanConflict reports that the project's plan revision moved underneath a
// replace attempt. Callers re-read the project and retry once.
var ErrPlanConflict = errors.New("plan revision conflict")

// ErrNoPlan reports that a project has no current plan.
var ErrNoPlan = errors.New("project has no plan")

// ReplacePlan stores a complete new plan under a fresh revision and points the
// project at it, atomically. expectedRevision is the revision the caller based
// its edit on (empty for the first plan); a mismatch yields ErrPlanConflict.
// Plans are never merged field-by-field: the stored payload is exactly plan.
func (s *Store) ReplacePlan(ctx context.Context, projectID string, plan Plan, expectedRevision string) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", fmt.Errorf("validate plan: %w", err)
	}
	plan.Revision = uuid.NewString()
	if plan.AspectRatio == "" {
		plan.AspectRatio = DefaultAspectRatio
	}
	payload, err := MarshalPlan(plan)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := timestamp(time.Now())
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO plans (revision, project_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		plan.Revision, projectID, payload, now,
	); err != nil {
		return "", fmt.Errorf("insert plan: %w", err)
	}

	res, err := tx.ExecContext(
		ctx,
		`UPDATE projects SET plan_revision = ?, updated_at = ?
         WHERE id = ? AND plan_revision = ?`,
		plan.Revision, now, projectID, expectedRevision,
	)
	if err != nil {
		return "", fmt.Errorf("point project at plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("point project at plan rows: %w", err)
	}
	if affected == 0 {
		return "", ErrPlanConflict
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit plan tx: %w", err)
	}
	return plan.Revision, nil
}

// CurrentPlan returns the plan the project currently points at.
func (s *Store) CurrentPlan(ctx context.Context, projectID string) (Plan, error) {
	var payload string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT p.payload FROM plans p
         JOIN projects pr ON pr.plan_revision = p.revision
         WHERE pr.id = ?`,
		projectID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNoPlan
	}
	if err != nil {
		return Plan{}, fmt.Errorf("read current plan: %w", err)
	}
	return UnmarshalPlan(payload)
}

// PlanByRevision returns a specific stored plan revision.
func (s *Store) PlanByRevision(ctx context.Context, revision string) (Plan, error) {
	var payload string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT payload FROM plans WHERE revision = ?`,
		revision,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNoPlan
	}
	if err != nil {
		return Plan{}, fmt.Errorf("read plan revision: %w", err)
	}
	return UnmarshalPlan(payload)
}

// PlanHistory returns every stored revision for a project, oldest first.
func (s *Store) PlanHistory(ctx context.Context, projectID string) ([]Plan, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT payload FROM plans WHERE project_id = ? ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("read plan history: %w", err)
	}
	defer rows.Close()

	var history []Plan
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan plan history: %w", err)
		}
		plan, err := UnmarshalPlan(payload)
		if err != nil {
			return nil, err
		}
		history = append(history, plan)
	}
	return history, rows.Err()
}
