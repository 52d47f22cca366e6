package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// CheckpointType says what triggered a checkpoint.
type CheckpointType string

const (
	CheckpointSessionStart  CheckpointType = "session_start"
	CheckpointStageComplete CheckpointType = "stage_complete"
	CheckpointPeriodic      CheckpointType = "periodic"
	CheckpointPreRecovery   CheckpointType = "pre_recovery"
	CheckpointUserRequested CheckpointType = "user_requested"
)

// QueueSnapshot captures the message bus state that must survive a resume:
// per-role pending counts and the monitor's outbox watermarks.
type QueueSnapshot struct {
	InboxCounts  map[models.Role]int    `json:"inboxCounts"`
	OutboxCounts map[models.Role]int    `json:"outboxCounts"`
	Watermarks   map[models.Role]string `json:"watermarks"`
}

// Checkpoint is the full recoverable snapshot of a session.
type Checkpoint struct {
	ID              string                     `json:"id"`
	SessionID       string                     `json:"sessionId"`
	Type            CheckpointType             `json:"type"`
	CreatedAt       time.Time                  `json:"createdAt"`
	CreatedBy       string                     `json:"createdBy"`
	WorkflowState   *workflow.State            `json:"workflowState"`
	AgentStates     []models.AgentStateSummary `json:"agentStates"`
	Queues          QueueSnapshot              `json:"queues"`
	CompletedStages []string                   `json:"completedStages"`
	PendingStages   []string                   `json:"pendingStages"`
	Errors          []*models.ErrorRecord      `json:"errors,omitempty"`
	Notes           string                     `json:"notes,omitempty"`
}

// Checkpointer captures and restores session snapshots.
type Checkpointer struct {
	store     *audit.Store
	queues    *bus.Store
	retention int
}

// NewCheckpointer wires the checkpoint manager to its stores. retention is
// the number of checkpoints kept per session; older rows are pruned after
// every save.
func NewCheckpointer(store *audit.Store, queues *bus.Store, retention int) *Checkpointer {
	if retention < 1 {
		retention = 1
	}
	return &Checkpointer{store: store, queues: queues, retention: retention}
}

// Capture builds a checkpoint from the live session.
func (c *Checkpointer) Capture(sess *session.Session, engine *workflow.Engine, kind CheckpointType, createdBy, notes string) *Checkpoint {
	state := sess.WorkflowState()
	cp := &Checkpoint{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Type:        kind,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   createdBy,
		AgentStates: sess.AgentSummaries(),
		Queues: QueueSnapshot{
			InboxCounts:  c.queues.Counts(bus.Inbox),
			OutboxCounts: c.queues.Counts(bus.Outbox),
			Watermarks:   sess.Watermarks(),
		},
		Errors: sess.Errors(),
		Notes:  notes,
	}
	if state != nil {
		cp.WorkflowState = state
		cp.CompletedStages = state.CompletedStages()
		if engine != nil {
			cp.PendingStages = engine.PendingStages(state)
		}
	}
	return cp
}

// Save persists a checkpoint and prunes beyond the retention window.
func (c *Checkpointer) Save(ctx context.Context, cp *Checkpoint) error {
	row, err := cp.row()
	if err != nil {
		return err
	}
	if err := c.store.SaveCheckpoint(ctx, row); err != nil {
		return models.NewError(models.CodeDatabaseError, "checkpointer",
			"saving checkpoint", models.WithCause(err))
	}
	if err := c.store.PruneCheckpoints(ctx, cp.SessionID, c.retention); err != nil {
		return models.NewError(models.CodeDatabaseError, "checkpointer",
			"pruning checkpoints", models.WithCause(err))
	}
	return nil
}

// CaptureAndSave is the common path: snapshot the session and persist it.
func (c *Checkpointer) CaptureAndSave(ctx context.Context, sess *session.Session, engine *workflow.Engine, kind CheckpointType, createdBy, notes string) (*Checkpoint, error) {
	cp := c.Capture(sess, engine, kind, createdBy, notes)
	if err := c.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Latest loads the newest checkpoint for a session.
func (c *Checkpointer) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row, err := c.store.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// Restore applies a checkpoint to a fresh session container: workflow
// state, watermarks and agent bookkeeping. Live resources (panes,
// worktrees) are NOT recreated here; the controller re-spawns agents and
// the restored watermarks prevent double-routing.
func (c *Checkpointer) Restore(sess *session.Session, cp *Checkpoint) {
	if cp.WorkflowState != nil {
		if cp.WorkflowState.ProcessedIDs == nil {
			cp.WorkflowState.ProcessedIDs = make(map[string]bool)
		}
		if cp.WorkflowState.Iterations == nil {
			cp.WorkflowState.Iterations = make(map[string]int)
		}
		sess.SetWorkflowState(cp.WorkflowState)
	}
	sess.RestoreWatermarks(cp.Queues.Watermarks)
}

func (cp *Checkpoint) row() (*audit.CheckpointRow, error) {
	stateJSON, err := json.Marshal(cp.WorkflowState)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	agentsJSON, err := json.Marshal(cp.AgentStates)
	if err != nil {
		return nil, fmt.Errorf("marshal agent states: %w", err)
	}
	queueJSON, err := json.Marshal(cp.Queues)
	if err != nil {
		return nil, fmt.Errorf("marshal queue snapshot: %w", err)
	}
	completedJSON, err := json.Marshal(cp.CompletedStages)
	if err != nil {
		return nil, fmt.Errorf("marshal completed stages: %w", err)
	}
	pendingJSON, err := json.Marshal(cp.PendingStages)
	if err != nil {
		return nil, fmt.Errorf("marshal pending stages: %w", err)
	}
	row := &audit.CheckpointRow{
		ID:              cp.ID,
		SessionID:       cp.SessionID,
		Type:            string(cp.Type),
		CreatedAt:       cp.CreatedAt.UTC().Format(time.RFC3339Nano),
		CreatedBy:       cp.CreatedBy,
		WorkflowState:   string(stateJSON),
		AgentStates:     string(agentsJSON),
		MessageQueue:    string(queueJSON),
		CompletedStages: string(completedJSON),
		PendingStages:   string(pendingJSON),
	}
	if len(cp.Errors) > 0 {
		errJSON, err := json.Marshal(cp.Errors)
		if err != nil {
			return nil, fmt.Errorf("marshal errors: %w", err)
		}
		s := string(errJSON)
		row.Errors = &s
	}
	if cp.Notes != "" {
		row.Notes = &cp.Notes
	}
	return row, nil
}

func fromRow(row *audit.CheckpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        row.ID,
		SessionID: row.SessionID,
		Type:      CheckpointType(row.Type),
		CreatedBy: row.CreatedBy,
	}
	if ts, err := time.Parse(time.RFC3339Nano, row.CreatedAt); err == nil {
		cp.CreatedAt = ts
	}
	if err := json.Unmarshal([]byte(row.WorkflowState), &cp.WorkflowState); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if err := json.Unmarshal([]byte(row.AgentStates), &cp.AgentStates); err != nil {
		return nil, fmt.Errorf("unmarshal agent states: %w", err)
	}
	if err := json.Unmarshal([]byte(row.MessageQueue), &cp.Queues); err != nil {
		return nil, fmt.Errorf("unmarshal queue snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(row.CompletedStages), &cp.CompletedStages); err != nil {
		return nil, fmt.Errorf("unmarshal completed stages: %w", err)
	}
	if err := json.Unmarshal([]byte(row.PendingStages), &cp.PendingStages); err != nil {
		return nil, fmt.Errorf("unmarshal pending stages: %w", err)
	}
	if row.Errors != nil {
		if err := json.Unmarshal([]byte(*row.Errors), &cp.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if row.Notes != nil {
		cp.Notes = *row.Notes
	}
	return cp, nil
}

// WriteSnapshot mirrors the latest checkpoint to a JSON file so operators
// can inspect session state without the database.
func WriteSnapshot(path string, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
