package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestSession(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), id, "research", "goal", "initializing"))
}

func TestOpenIsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	require.NoError(t, err)
	createTestSession(t, store, "1")
	require.NoError(t, store.Close())

	// Re-opening applies no migrations and keeps the data.
	store, err = Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	row, err := store.GetSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "research", row.WorkflowType)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "1")

	require.NoError(t, store.UpdateSessionStatus(ctx, "1", "running", false))
	row, err := store.GetSession(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "running", row.Status)
	assert.Nil(t, row.CompletedAt)

	require.NoError(t, store.UpdateSessionStatus(ctx, "1", "complete", true))
	row, err = store.GetSession(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, row.CompletedAt)

	_, err = store.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "a")
	createTestSession(t, store, "b")

	rows, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = store.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecordMessageIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "1")

	msg := &models.Message{
		ID:        "m-1",
		Timestamp: "2026-08-24T10:00:00.000Z",
		From:      models.RoleResearcher,
		To:        string(models.RoleOrchestrator),
		Type:      models.MessageTypeFinding,
		Priority:  models.PriorityNormal,
		Content:   models.MessageContent{Subject: "s", Body: "b"},
	}
	require.NoError(t, store.RecordMessage(ctx, "1", msg))
	// Replays are idempotent.
	require.NoError(t, store.RecordMessage(ctx, "1", msg))

	n, err := store.CountMessages(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := store.Messages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s", msgs[0].Content.Subject)
	assert.Equal(t, models.RoleResearcher, msgs[0].From)
}

func TestRecordErrorAndMarkRecovered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "1")

	rec := models.NewError(models.CodeAgentCrashed, "monitor", "pane vanished")
	rec.Role = models.RoleReviewer
	require.NoError(t, store.RecordError(ctx, "1", rec))

	require.NoError(t, store.MarkErrorRecovered(ctx, rec.ID, "restart", true))

	rows, err := store.Errors(ctx, "1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(models.CodeAgentCrashed), rows[0].Code)
	assert.True(t, rows[0].Recovered)
	require.NotNil(t, rows[0].Strategy)
	assert.Equal(t, "restart", *rows[0].Strategy)
	require.NotNil(t, rows[0].AgentRole)
	assert.Equal(t, "reviewer", *rows[0].AgentRole)
}

func TestRecordActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "1")

	require.NoError(t, store.RecordActivity(ctx, "1", models.RoleResearcher, ActivitySpawned,
		map[string]string{"pane": "%3"}))
	require.NoError(t, store.RecordActivity(ctx, "1", models.RoleResearcher, ActivityReady, nil))
}

func checkpointRow(id, sessionID, createdAt string) *CheckpointRow {
	return &CheckpointRow{
		ID:              id,
		SessionID:       sessionID,
		Type:            "periodic",
		CreatedAt:       createdAt,
		CreatedBy:       "monitor",
		WorkflowState:   "{}",
		AgentStates:     "[]",
		MessageQueue:    "{}",
		CompletedStages: "[]",
		PendingStages:   "[]",
	}
}

func TestCheckpointSaveLatestPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, store, "1")

	for i := 1; i <= 5; i++ {
		cp := checkpointRow(fmt.Sprintf("cp-%d", i), "1", fmt.Sprintf("2026-08-24T10:00:0%dZ", i))
		require.NoError(t, store.SaveCheckpoint(ctx, cp))
	}

	latest, err := store.LatestCheckpoint(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "cp-5", latest.ID)

	require.NoError(t, store.PruneCheckpoints(ctx, "1", 2))
	rows, err := store.ListCheckpoints(ctx, "1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cp-5", rows[0].ID)
	assert.Equal(t, "cp-4", rows[1].ID)

	_, err = store.LatestCheckpoint(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpointForeignKeyEnforced(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveCheckpoint(context.Background(), checkpointRow("cp-1", "ghost", ""))
	assert.Error(t, err)
}
