package projects

import (
	"context"
	"fmt"
	"time"
)

// AppendTurns records conversation entries in order. Turns are append-only;
// nothing in the system updates or deletes them.
func (s *Store) AppendTurns(ctx context.Context, projectID, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := timestamp(time.Now())
	for _, turn := range turns {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO turns (project_id, session_id, role, text, created_at)
             VALUES (?, ?, ?, ?, ?)`,
			projectID, sessionID, turn.Role, turn.Text, now,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return tx.Commit()
}

// Turns returns the full transcript of one negotiation session in order.
func (s *Store) Turns(ctx context.Context, projectID, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, role, text, created_at FROM turns
         WHERE project_id = ? AND session_id = ? ORDER BY seq ASC`,
		projectID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		turn := Turn{ProjectID: projectID, SessionID: sessionID}
		var createdAt string
		if err := rows.Scan(&turn.Seq, &turn.Role, &turn.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.CreatedAt = parseTimestamp(createdAt)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
