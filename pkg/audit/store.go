package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("audit: not found")

// timeFormat is the ISO-8601 UTC form used for every timestamp column.
const timeFormat = time.RFC3339

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// SessionRow mirrors the sessions table.
type SessionRow struct {
	ID           string
	WorkflowType string
	Goal         string
	Status       string
	CreatedAt    string
	UpdatedAt    string
	CompletedAt  *string
}

// CreateSession inserts the session row.
func (s *Store) CreateSession(ctx context.Context, id, workflowType, goal, status string) error {
	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_type, goal, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, workflowType, goal, status, ts, ts)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", id, err)
	}
	return nil
}

// UpdateSessionStatus records a lifecycle transition. Terminal statuses
// also stamp completed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, terminal bool) error {
	ts := now()
	var err error
	if terminal {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			status, ts, ts, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, ts, id)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_type, goal, status, created_at, updated_at, completed_at
		 FROM sessions WHERE id = ?`, id)
	var r SessionRow
	if err := row.Scan(&r.ID, &r.WorkflowType, &r.Goal, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &r, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_type, goal, status, created_at, updated_at, completed_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.WorkflowType, &r.Goal, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordMessage appends a message to the historical log. Duplicate ids are
// ignored so replays stay idempotent.
func (s *Store) RecordMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	var threadID *string
	if msg.ThreadID != "" {
		threadID = &msg.ThreadID
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages
		 (id, session_id, thread_id, from_agent, to_agent, message_type, priority, content_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, threadID, string(msg.From), msg.To, string(msg.Type),
		string(msg.Priority), string(content), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// Messages returns the session's message history in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, from_agent, to_agent, message_type, priority, content_json, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var (
			m        models.Message
			threadID *string
			content  string
			from, to string
			typ, pri string
		)
		if err := rows.Scan(&m.ID, &threadID, &from, &to, &typ, &pri, &content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.From = models.Role(from)
		m.To = to
		m.Type = models.MessageType(typ)
		m.Priority = models.Priority(pri)
		if threadID != nil {
			m.ThreadID = *threadID
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of recorded messages for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Agent activity event types.
const (
	ActivitySpawned  = "spawned"
	ActivityReady    = "ready"
	ActivityMessage  = "message"
	ActivityComplete = "complete"
	ActivityError    = "error"
)

// RecordActivity appends an agent activity event.
func (s *Store) RecordActivity(ctx context.Context, sessionID string, role models.Role, eventType string, details any) error {
	var detailsJSON *string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal activity details: %w", err)
		}
		str := string(data)
		detailsJSON = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_activity (session_id, agent_role, event_type, details_json, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), eventType, detailsJSON, now())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// RecordError appends an error record to the log.
func (s *Store) RecordError(ctx context.Context, sessionID string, rec *models.ErrorRecord) error {
	var contextJSON *string
	if rec.Context != nil {
		data, err := json.Marshal(rec.Context)
		if err == nil {
			str := string(data)
			contextJSON = &str
		}
	}
	var details, role, strategy *string
	if rec.Cause != nil {
		str := rec.Cause.Error()
		details = &str
	}
	if rec.Role != "" {
		str := string(rec.Role)
		role = &str
	}
	if rec.Strategy != "" {
		strategy = &rec.Strategy
	}
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log
		 (id, session_id, code, category, severity, message, details, component, agent_role,
		  recoverable, recovered, recovery_strategy, context_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, sid, string(rec.Code), string(rec.Category), string(rec.Severity),
		rec.Message, details, rec.Component, role,
		boolInt(rec.Recoverable), boolInt(rec.Recovered), strategy, contextJSON,
		rec.Timestamp.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert error %s: %w", rec.ID, err)
	}
	return nil
}

// MarkErrorRecovered updates the recovered flag and strategy for an error.
func (s *Store) MarkErrorRecovered(ctx context.Context, errorID, strategy string, recovered bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE error_log SET recovered = ?, recovery_strategy = ? WHERE id = ?`,
		boolInt(recovered), strategy, errorID)
	if err != nil {
		return fmt.Errorf("mark error %s recovered: %w", errorID, err)
	}
	return nil
}

// ErrorRow is a projection of the error_log table.
type ErrorRow struct {
	ID        string
	Code      string
	Severity  string
	Component string
	AgentRole *string
	Message   string
	Recovered bool
	Strategy  *string
	CreatedAt string
}

// Errors returns a session's error log, oldest first.
func (s *Store) Errors(ctx context.Context, sessionID string) ([]ErrorRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, severity, component, agent_role, message, recovered, recovery_strategy, created_at
		 FROM error_log WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()
	var out []ErrorRow
	for rows.Next() {
		var (
			r   ErrorRow
			rec int
		)
		if err := rows.Scan(&r.ID, &r.Code, &r.Severity, &r.Component, &r.AgentRole,
			&r.Message, &rec, &r.Strategy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Recovered = rec != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
