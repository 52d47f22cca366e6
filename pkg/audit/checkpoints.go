package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CheckpointRow mirrors the checkpoints table. The JSON columns are opaque
// here; the recovery engine owns their structure.
type CheckpointRow struct {
	ID              string
	SessionID       string
	Type            string
	CreatedAt       string
	CreatedBy       string
	WorkflowState   string
	AgentStates     string
	MessageQueue    string
	CompletedStages string
	PendingStages   string
	Errors          *string
	Notes           *string
}

// SaveCheckpoint persists a checkpoint row.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *CheckpointRow) error {
	if cp.CreatedAt == "" {
		cp.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (id, session_id, type, created_at, created_by, workflow_state_json, agent_states_json,
		  message_queue_json, completed_stages_json, pending_stages_json, errors_json, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Type, cp.CreatedAt, cp.CreatedBy,
		cp.WorkflowState, cp.AgentStates, cp.MessageQueue,
		cp.CompletedStages, cp.PendingStages, cp.Errors, cp.Notes)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint for a session.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*CheckpointRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, type, created_at, created_by, workflow_state_json,
		        agent_states_json, message_queue_json, completed_stages_json,
		        pending_stages_json, errors_json, notes
		 FROM checkpoints WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID)
	var cp CheckpointRow
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Type, &cp.CreatedAt, &cp.CreatedBy,
		&cp.WorkflowState, &cp.AgentStates, &cp.MessageQueue,
		&cp.CompletedStages, &cp.PendingStages, &cp.Errors, &cp.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest checkpoint for %s: %w", sessionID, err)
	}
	return &cp, nil
}

// ListCheckpoints returns a session's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]CheckpointRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, created_at, created_by, workflow_state_json,
		        agent_states_json, message_queue_json, completed_stages_json,
		        pending_stages_json, errors_json, notes
		 FROM checkpoints WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []CheckpointRow
	for rows.Next() {
		var cp CheckpointRow
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Type, &cp.CreatedAt, &cp.CreatedBy,
			&cp.WorkflowState, &cp.AgentStates, &cp.MessageQueue,
			&cp.CompletedStages, &cp.PendingStages, &cp.Errors, &cp.Notes); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// PruneCheckpoints keeps the most recent keep checkpoints for a session
// and deletes the rest.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ? AND id NOT IN (
		   SELECT id FROM checkpoints WHERE session_id = ?
		   ORDER BY created_at DESC, id DESC LIMIT ?)`,
		sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("prune checkpoints: %w", err)
	}
	return nil
}
