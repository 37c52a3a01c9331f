package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound reports a generation task lookup miss.
var ErrTaskNotFound = errors.New("generation task not found")

const taskColumns = `id, project_id, clip_index, provider, model, job_handle, state,
    output_locator, attempts, failed_over, last_error, planned_seconds, created_at, updated_at`

// CreateTasks replaces the task set for a project with one pending task per
// clip. Called when generation starts; any tasks from a prior plan are
// discarded first so clip indexes map one-to-one onto the approved plan.
func (s *Store) CreateTasks(ctx context.Context, projectID string, specs []GenerationTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM generation_tasks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear prior tasks: %w", err)
	}

	now := timestamp(time.Now())
	for _, spec := range specs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO generation_tasks (
                project_id, clip_index, provider, model, state, planned_seconds,
                created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, spec.ClipIndex, spec.Provider, spec.Model, TaskPending,
			spec.PlannedSeconds, now, now,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}
	return tx.Commit()
}

// TasksForProject returns every generation task of a project, by clip index.
func (s *Store) TasksForProject(ctx context.Context, projectID string) ([]*GenerationTask, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM generation_tasks
         WHERE project_id = ? ORDER BY clip_index ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkTaskSubmitted records the external job handle for a dispatched task.
// Persisting the handle before the first poll is what makes restart recovery
// possible: a handle on disk means re-poll, never re-submit.
func (s *Store) MarkTaskSubmitted(ctx context.Context, taskID int64, handle string) error {
	return s.updateTask(
		ctx,
		`UPDATE generation_tasks SET job_handle = ?, state = ?, attempts = attempts + 1, updated_at = ?
         WHERE id = ?`,
		handle, TaskRunning, timestamp(time.Now()), taskID,
	)
}

// MarkTaskSucceeded records the produced clip locator.
func (s *Store) MarkTaskSucceeded(ctx context.Context, taskID int64, outputLocator string) error {
	return s.updateTask(
		ctx,
		`UPDATE generation_tasks SET state = ?, output_locator = ?, last_error = '', updated_at = ?
         WHERE id = ?`,
		TaskSucceeded, outputLocator, timestamp(time.Now()), taskID,
	)
}

// MarkTaskRetry resets a failed attempt back to pending for re-dispatch on the
// same backend. The job handle is cleared so the retry submits fresh.
func (s *Store) MarkTaskRetry(ctx context.Context, taskID int64, lastError string) error {
	return s.updateTask(
		ctx,
		`UPDATE generation_tasks SET state = ?, job_handle = '', last_error = ?, updated_at = ?
         WHERE id = ?`,
		TaskPending, lastError, timestamp(time.Now()), taskID,
	)
}

// MarkTaskFailover switches the task to an alternative backend, resets its
// attempt counter, and records that its one failover has been consumed.
func (s *Store) MarkTaskFailover(ctx context.Context, taskID int64, provider, model, lastError string) error {
	return s.updateTask(
		ctx,
		`UPDATE generation_tasks SET provider = ?, model = ?, state = ?, job_handle = '',
            attempts = 0, failed_over = 1, last_error = ?, updated_at = ?
         WHERE id = ?`,
		provider, model, TaskPending, lastError, timestamp(time.Now()), taskID,
	)
}

// MarkTaskFailed records terminal failure for a task.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID int64, lastError string) error {
	return s.updateTask(
		ctx,
		`UPDATE generation_tasks SET state = ?, last_error = ?, updated_at = ?
         WHERE id = ?`,
		TaskFailed, lastError, timestamp(time.Now()), taskID,
	)
}

func (s *Store) updateTask(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(rows *sql.Rows) (*GenerationTask, error) {
	var task GenerationTask
	var failedOver int
	var createdAt, updatedAt string
	err := rows.Scan(
		&task.ID, &task.ProjectID, &task.ClipIndex, &task.Provider, &task.Model,
		&task.JobHandle, &task.State, &task.OutputLocator, &task.Attempts,
		&failedOver, &task.LastError, &task.PlannedSeconds, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.FailedOver = failedOver != 0
	task.CreatedAt = parseTimestamp(createdAt)
	task.UpdatedAt = parseTimestamp(updatedAt)
	return &task, nil
}
