package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a project lookup miss.
var ErrNotFound = errors.New("project not found")

const projectColumns = `id, owner_id, filename, sample_locator, ref_image_locator,
    ref_audio_locator, user_context, status, progress, error_detail, plan_revision,
    analysis_json, deliverable, selected_provider, selected_model, cancel_requested,
    created_at, updated_at, completed_at, expires_at, last_heartbeat`

// NewProject describes the inputs of a freshly uploaded project.
type NewProject struct {
	// ID is optional; callers that need the identifier before the insert
	// (blob keys embed it) supply their own.
	ID              string
	OwnerID         string
	Filename        string
	SampleLocator   string
	RefImageLocator string
	RefAudioLocator string
	UserContext     string
}

// Create inserts a new project in the uploaded state and returns it.
func (s *Store) Create(ctx context.Context, input NewProject) (*Project, error) {
	now := time.Now().UTC()
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	project := &Project{
		ID:              id,
		OwnerID:         input.OwnerID,
		Filename:        input.Filename,
		SampleLocator:   input.SampleLocator,
		RefImageLocator: input.RefImageLocator,
		RefAudioLocator: input.RefAudioLocator,
		UserContext:     input.UserContext,
		Status:          StatusUploaded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (
            id, owner_id, filename, sample_locator, ref_image_locator,
            ref_audio_locator, user_context, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ID,
		project.OwnerID,
		project.Filename,
		project.SampleLocator,
		project.RefImageLocator,
		project.RefAudioLocator,
		project.UserContext,
		project.Status,
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

// GetByID fetches a project by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetOwned fetches a project only when it belongs to the given owner.
func (s *Store) GetOwned(ctx context.Context, id, ownerID string) (*Project, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	)
	return scanProject(row)
}

// ListByOwner returns every project owned by ownerID, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// List returns projects filtered by the given statuses; empty means all.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// Transition moves a project from one status to another, enforcing the state
// machine. The WHERE clause on the current status makes the change atomic: a
// concurrent writer that already moved the project leaves zero rows affected
// and the caller receives an InvalidTransitionError.
func (s *Store) Transition(ctx context.Context, id string, from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{ProjectID: id, From: from, To: to}
	}
	now := timestamp(time.Now())
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, progress = 0, updated_at = ?, last_heartbeat = ?
         WHERE id = ? AND status = ?`,
		to, now, now, id, from,
	)
	if err != nil {
		return fmt.Errorf("transition project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition project rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &InvalidTransitionError{ProjectID: id, From: current.Status, To: to}
	}
	return nil
}

// SetProgress records stage progress. Progress never moves backwards within a
// stage occupancy; lower values are absorbed by MAX.
func (s *Store) SetProgress(ctx context.Context, id string, status Status, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET progress = MAX(progress, ?), updated_at = ?
         WHERE id = ? AND status = ?`,
		percent, timestamp(time.Now()), id, status,
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// MarkError moves a project into the error state with a human-readable detail.
func (s *Store) MarkError(ctx context.Context, id string, detail string) error {
	project, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(project.Status, StatusError) {
		return &InvalidTransitionError{ProjectID: id, From: project.Status, To: StatusError}
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, error_detail = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusError, detail, timestamp(time.Now()), id, project.Status,
	)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark error rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &InvalidTransitionError{ProjectID: id, From: current.Status, To: StatusError}
	}
	return nil
}

// MarkCompleted records the deliverable locator, stamps completion, and sets
// the expiry deadline.
func (s *Store) MarkCompleted(ctx context.Context, id, deliverable string, retention time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(retention)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, progress = 100, deliverable = ?,
            completed_at = ?, expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusCompleted, deliverable, timestamp(now), timestamp(expires), timestamp(now),
		id, StatusAssembling,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark completed rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &InvalidTransitionError{ProjectID: id, From: current.Status, To: StatusCompleted}
	}
	return nil
}

// SetAnalysis stores the analysis payload and selected backend for a project.
func (s *Store) SetAnalysis(ctx context.Context, id, analysisJSON, provider, model string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET analysis_json = ?, selected_provider = ?, selected_model = ?, updated_at = ?
         WHERE id = ?`,
		analysisJSON, provider, model, timestamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set analysis: %w", err)
	}
	return nil
}

// RequestCancel flags a processing project so its stage can abort cleanly.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET cancel_requested = 1, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		timestamp(time.Now()), id, StatusGenerating, StatusAssembling,
	)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows: %w", err)
	}
	return affected > 0, nil
}

// CancelRequested reports whether a cancel flag is set for the project.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM projects WHERE id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// NextForStatuses returns the oldest project in any of the given statuses.
func (s *Store) NextForStatuses(ctx context.Context, statuses ...Status) (*Project, error) {
	batch, err := s.ListForStatuses(ctx, 1, statuses...)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

// ListForStatuses returns up to limit projects in any of the given statuses,
// oldest first. Stage dispatchers use it to fan claimed projects out across
// their worker pools.
func (s *Store) ListForStatuses(ctx context.Context, limit int, statuses ...Status) ([]*Project, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects
         WHERE status IN (`+strings.Join(placeholders, ", ")+`)
         ORDER BY created_at ASC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list for statuses: %w", err)
	}
	defer rows.Close()
	return scanProjects(rows)
}

// UpdateHeartbeat stamps liveness for a project owned by a running stage.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET last_heartbeat = ? WHERE id = ?`,
		timestamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ResetStuckAnalyzing returns projects stranded mid-analysis to uploaded so
// the stage re-runs from scratch. Analysis holds no external job state, so a
// clean restart is always safe. Called once at daemon startup.
func (s *Store) ResetStuckAnalyzing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, progress = 0, last_heartbeat = NULL, updated_at = ?
         WHERE status = ?`,
		StatusUploaded, timestamp(time.Now()), StatusAnalyzing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck analyzing: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStaleAnalyzing resets analyzing projects whose heartbeat expired.
// Generating and assembling projects are deliberately excluded: those stages
// resume in place from persisted job handles rather than restarting.
func (s *Store) ReclaimStaleAnalyzing(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, progress = 0, last_heartbeat = NULL, updated_at = ?
         WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusUploaded, timestamp(time.Now()), StatusAnalyzing, timestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale analyzing: %w", err)
	}
	return res.RowsAffected()
}

// ExpiredDeliverable pairs a project with the locator its sweeper must remove.
type ExpiredDeliverable struct {
	ProjectID   string
	Deliverable string
}

// ListExpiryDue returns completed projects whose retention window has lapsed.
func (s *Store) ListExpiryDue(ctx context.Context, now time.Time) ([]ExpiredDeliverable, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, deliverable FROM projects
         WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		StatusCompleted, timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiry due: %w", err)
	}
	defer rows.Close()

	var due []ExpiredDeliverable
	for rows.Next() {
		var item ExpiredDeliverable
		if err := rows.Scan(&item.ProjectID, &item.Deliverable); err != nil {
			return nil, fmt.Errorf("scan expiry row: %w", err)
		}
		due = append(due, item)
	}
	return due, rows.Err()
}

// MarkExpired flips a completed project to expired and clears its deliverable
// locator. Safe to call repeatedly; a project already expired is a no-op.
func (s *Store) MarkExpired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, deliverable = '', updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusExpired, timestamp(time.Now()), id, StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("mark expired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark expired rows: %w", err)
	}
	return affected > 0, nil
}

// Stats returns project counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health summarizes project counts for the status endpoint.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{}
	for status, count := range stats {
		summary.Total += count
		switch {
		case IsProcessingStatus(status):
			summary.Processing += count
		case status == StatusCompleted:
			summary.Completed += count
		case status == StatusError:
			summary.Errored += count
		case status == StatusExpired:
			summary.Expired += count
		default:
			summary.Waiting += count
		}
	}
	return summary, nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var completedAt, expiresAt, lastHeartbeat sql.NullString
	var createdAt, updatedAt string
	var cancelRequested int
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Filename, &p.SampleLocator, &p.RefImageLocator,
		&p.RefAudioLocator, &p.UserContext, &p.Status, &p.Progress, &p.ErrorDetail,
		&p.PlanRevision, &p.AnalysisJSON, &p.Deliverable, &p.SelectedProvider,
		&p.SelectedModel, &cancelRequested, &createdAt, &updatedAt,
		&completedAt, &expiresAt, &lastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.CancelRequested = cancelRequested != 0
	p.CreatedAt = parseTimestamp(createdAt)
	p.UpdatedAt = parseTimestamp(updatedAt)
	p.CompletedAt = scanNullableTime(completedAt)
	p.ExpiresAt = scanNullableTime(expiresAt)
	p.LastHeartbeat = scanNullableTime(lastHeartbeat)
	return &p, nil
}

func scanProjects(rows *sql.Rows) ([]*Project, error) {
	var result []*Project
	for rows.Next() {
		var p Project
		var completedAt, expiresAt, lastHeartbeat sql.NullString
		var createdAt, updatedAt string
		var cancelRequested int
		err := rows.Scan(
			&p.ID, &p.OwnerID, &p.Filename, &p.SampleLocator, &p.RefImageLocator,
			&p.RefAudioLocator, &p.UserContext, &p.Status, &p.Progress, &p.ErrorDetail,
			&p.PlanRevision, &p.AnalysisJSON, &p.Deliverable, &p.SelectedProvider,
			&p.SelectedModel, &cancelRequested, &createdAt, &updatedAt,
			&completedAt, &expiresAt, &lastHeartbeat,
		)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CancelRequested = cancelRequested != 0
		p.CreatedAt = parseTimestamp(createdAt)
		p.UpdatedAt = parseTimestamp(updatedAt)
		p.CompletedAt = scanNullableTime(completedAt)
		p.ExpiresAt = scanNullableTime(expiresAt)
		p.LastHeartbeat = scanNullableTime(lastHeartbeat)
		result = append(result, &p)
	}
	return result, rows.Err()
}
