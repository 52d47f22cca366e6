package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

func newTestCheckpointer(t *testing.T, retention int) (*Checkpointer, *audit.Store, *bus.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := audit.Open(context.Background(), filepath.Join(dir, "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	queues := bus.NewStore(filepath.Join(dir, "messages"))
	require.NoError(t, queues.EnsureDirs())
	return NewCheckpointer(store, queues, retention), store, queues
}

func newCheckpointSession(t *testing.T, store *audit.Store) (*session.Session, *workflow.Engine) {
	t.Helper()
	sess := session.New("1756000000000", "research", "map the codebase")
	require.NoError(t, store.CreateSession(context.Background(),
		sess.ID, sess.WorkflowType, sess.Goal, string(session.StatusRunning)))

	tmpl, err := workflow.NewRegistry().Get("research")
	require.NoError(t, err)
	engine := workflow.NewEngine(tmpl)
	state := engine.NewInstance(sess.ID, sess.Goal)
	require.NoError(t, engine.StartStage(state, state.CurrentStage))
	sess.SetWorkflowState(state)
	sess.PutAgent(&models.AgentHandle{
		Role:       models.RoleResearcher,
		PaneID:     "%1",
		Status:     models.AgentWorking,
		LastTaskID: "t-1",
	})
	sess.SetWatermark(models.RoleResearcher, "2026-08-24T10:00:05.000Z")
	return sess, engine
}

func TestCaptureAndSaveRoundTrip(t *testing.T) {
	c, store, queues := newTestCheckpointer(t, 10)
	sess, engine := newCheckpointSession(t, store)
	ctx := context.Background()

	require.NoError(t, queues.Append(bus.Inbox, models.RoleResearcher, models.Message{
		ID:        "m-1",
		Timestamp: models.NowTimestamp(),
		From:      models.RoleOrchestrator,
		To:        string(models.RoleResearcher),
		Type:      models.MessageTypeTask,
		Priority:  models.PriorityHigh,
		Content:   models.MessageContent{Subject: "s", Body: "b"},
	}))

	cp, err := c.CaptureAndSave(ctx, sess, engine, CheckpointSessionStart, "controller", "initial")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, 1, cp.Queues.InboxCounts[models.RoleResearcher])

	loaded, err := c.Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, loaded.ID)
	assert.Equal(t, CheckpointSessionStart, loaded.Type)
	assert.Equal(t, "controller", loaded.CreatedBy)
	assert.Equal(t, "initial", loaded.Notes)
	require.NotNil(t, loaded.WorkflowState)
	assert.Equal(t, "initial_research", loaded.WorkflowState.CurrentStage)
	assert.Contains(t, loaded.PendingStages, "synthesis")
	assert.Equal(t, "2026-08-24T10:00:05.000Z",
		loaded.Queues.Watermarks[models.RoleResearcher])
	require.Len(t, loaded.AgentStates, 1)
	assert.Equal(t, models.RoleResearcher, loaded.AgentStates[0].Role)
	assert.Equal(t, "%1", loaded.AgentStates[0].PaneID)
	assert.Equal(t, "t-1", loaded.AgentStates[0].LastTaskID)
}

func TestCaptureWithoutEngineOmitsPendingStages(t *testing.T) {
	c, store, _ := newTestCheckpointer(t, 10)
	sess, _ := newCheckpointSession(t, store)

	cp := c.Capture(sess, nil, CheckpointPreRecovery, "recovery-engine", "")
	assert.Empty(t, cp.PendingStages)
	assert.NotNil(t, cp.WorkflowState)
}

func TestSavePrunesBeyondRetention(t *testing.T) {
	c, store, _ := newTestCheckpointer(t, 2)
	sess, engine := newCheckpointSession(t, store)
	ctx := context.Background()

	var last *Checkpoint
	for i := 0; i < 5; i++ {
		cp, err := c.CaptureAndSave(ctx, sess, engine, CheckpointPeriodic, "monitor", "")
		require.NoError(t, err)
		last = cp
	}

	rows, err := store.ListCheckpoints(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	loaded, err := c.Latest(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, loaded.ID)
}

func TestRestoreReappliesStateAndWatermarks(t *testing.T) {
	c, store, _ := newTestCheckpointer(t, 10)
	sess, engine := newCheckpointSession(t, store)
	ctx := context.Background()

	_, err := c.CaptureAndSave(ctx, sess, engine, CheckpointStageComplete, "monitor", "")
	require.NoError(t, err)

	cp, err := c.Latest(ctx, sess.ID)
	require.NoError(t, err)

	fresh := session.New(sess.ID, sess.WorkflowType, sess.Goal)
	c.Restore(fresh, cp)

	state := fresh.WorkflowState()
	require.NotNil(t, state)
	assert.Equal(t, "initial_research", state.CurrentStage)
	assert.NotNil(t, state.ProcessedIDs)
	assert.NotNil(t, state.Iterations)
	assert.Equal(t, "2026-08-24T10:00:05.000Z", fresh.Watermark(models.RoleResearcher))
}

func TestWriteSnapshotIsAtomic(t *testing.T) {
	c, store, _ := newTestCheckpointer(t, 10)
	sess, engine := newCheckpointSession(t, store)

	cp := c.Capture(sess, engine, CheckpointUserRequested, "cli", "")
	path := filepath.Join(t.TempDir(), "sessions", sess.ID+".json")
	require.NoError(t, WriteSnapshot(path, cp))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), cp.ID)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
