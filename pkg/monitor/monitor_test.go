package monitor

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/recovery"
	"github.com/codeready-toolchain/swarm/pkg/runner"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// errorSink records every error record the monitor reports.
type errorSink struct {
	records []*models.ErrorRecord
}

func (s *errorSink) sink(_ context.Context, rec *models.ErrorRecord) recovery.Outcome {
	s.records = append(s.records, rec)
	return recovery.Outcome{Kind: recovery.OutcomeEscalate}
}

func (s *errorSink) codes() []models.ErrorCode {
	out := make([]models.ErrorCode, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Code)
	}
	return out
}

type fixture struct {
	mon    *Monitor
	sess   *session.Session
	engine *workflow.Engine
	state  *workflow.State
	queues *bus.Store
	fake   *runner.FakeCommandRunner
	sink   *errorSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpl, err := workflow.NewRegistry().Get("research")
	require.NoError(t, err)
	engine := workflow.NewEngine(tmpl)

	sess := session.New("1756000000000", "research", "goal")
	state := engine.NewInstance(sess.ID, sess.Goal)
	require.NoError(t, engine.StartStage(state, state.CurrentStage))
	sess.SetWorkflowState(state)

	queues := bus.NewStore(filepath.Join(t.TempDir(), "messages"))
	require.NoError(t, queues.EnsureDirs())

	fake := &runner.FakeCommandRunner{}
	sink := &errorSink{}
	cfg := config.MonitorConfig{
		Interval:        time.Millisecond,
		AgentTimeout:    time.Minute,
		WorkflowTimeout: time.Hour,
	}
	mon := New(sess, engine, queues, nil, tmux.NewAdapter(fake), nil, nil,
		cfg, config.CheckpointConfig{}, sink.sink)
	return &fixture{mon: mon, sess: sess, engine: engine, state: state,
		queues: queues, fake: fake, sink: sink}
}

func testLogger() *slog.Logger { return slog.Default() }

func question(id, ts string, from models.Role, to string) models.Message {
	return models.Message{
		ID:        id,
		Timestamp: ts,
		From:      from,
		To:        to,
		Type:      models.MessageTypeQuestion,
		Priority:  models.PriorityNormal,
		Content:   models.MessageContent{Subject: "q", Body: "?"},
	}
}

func TestDrainOutboxOrdersByTimestampAndAdvancesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Written newest-first to prove the drain reorders.
	require.NoError(t, f.queues.Append(bus.Outbox, models.RoleResearcher,
		question("m-2", "2026-08-24T10:00:02.000Z", models.RoleResearcher, "reviewer")))
	require.NoError(t, f.queues.Append(bus.Outbox, models.RoleResearcher,
		question("m-1", "2026-08-24T10:00:01.000Z", models.RoleResearcher, "reviewer")))

	f.mon.drainOutbox(ctx, models.RoleResearcher, f.state, testLogger())

	inbox, err := f.queues.Read(bus.Inbox, models.RoleReviewer)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "m-1", inbox[0].ID)
	assert.Equal(t, "m-2", inbox[1].ID)
	assert.Equal(t, "2026-08-24T10:00:02.000Z", f.sess.Watermark(models.RoleResearcher))

	// The outbox is not consumed; the watermark makes a second drain a no-op.
	f.mon.drainOutbox(ctx, models.RoleResearcher, f.state, testLogger())
	inbox, err = f.queues.Read(bus.Inbox, models.RoleReviewer)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)
}

func TestDrainOutboxBreaksTimestampTiesByID(t *testing.T) {
	f := newFixture(t)
	ts := "2026-08-24T10:00:01.000Z"
	require.NoError(t, f.queues.Append(bus.Outbox, models.RoleResearcher,
		question("m-b", ts, models.RoleResearcher, "reviewer")))
	require.NoError(t, f.queues.Append(bus.Outbox, models.RoleResearcher,
		question("m-a", ts, models.RoleResearcher, "reviewer")))

	f.mon.drainOutbox(context.Background(), models.RoleResearcher, f.state, testLogger())

	inbox, err := f.queues.Read(bus.Inbox, models.RoleReviewer)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "m-a", inbox[0].ID)
	assert.Equal(t, "m-b", inbox[1].ID)
}

func TestRouteOneRecordsDeliveredTaskOnAgent(t *testing.T) {
	f := newFixture(t)
	f.sess.PutAgent(&models.AgentHandle{
		Role: models.RoleReviewer, PaneID: "%1", Status: models.AgentReady,
	})

	msg := question("t-1", "2026-08-24T10:00:01.000Z", models.RoleResearcher, "reviewer")
	msg.Type = models.MessageTypeTask

	f.mon.routeOne(context.Background(), f.state, &msg, testLogger())

	h, ok := f.sess.Agent(models.RoleReviewer)
	require.True(t, ok)
	assert.Equal(t, "t-1", h.LastTaskID)
}

// A crash between routing and the watermark write replays the message on
// the next pass; the engine's processed-id set keeps the replay inert.
func TestRouteOneReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := question("m-1", "2026-08-24T10:00:01.000Z", models.RoleResearcher, "reviewer")

	f.mon.routeOne(ctx, f.state, &msg, testLogger())
	f.mon.routeOne(ctx, f.state, &msg, testLogger())

	inbox, err := f.queues.Read(bus.Inbox, models.RoleReviewer)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestHealthChecksRaiseCrashForMissingPane(t *testing.T) {
	f := newFixture(t)
	f.sess.PutAgent(&models.AgentHandle{
		Role: models.RoleResearcher, PaneID: "%3", Status: models.AgentReady,
	})
	// list-panes shows a different pane only.
	f.fake.Responses = []runner.FakeResponse{{Stdout: "%9|0|1\n"}}

	f.mon.healthChecks(context.Background(), testLogger())

	require.Len(t, f.sink.records, 1)
	assert.Equal(t, models.CodeAgentCrashed, f.sink.records[0].Code)
	assert.Equal(t, models.RoleResearcher, f.sink.records[0].Role)
	h, _ := f.sess.Agent(models.RoleResearcher)
	assert.Equal(t, models.AgentError, h.Status)
}

func TestHealthChecksRaiseTimeoutForSilentWorkingAgent(t *testing.T) {
	f := newFixture(t)
	f.mon.cfg.AgentTimeout = time.Millisecond
	f.sess.PutAgent(&models.AgentHandle{
		Role:           models.RoleReviewer,
		PaneID:         "%3",
		Status:         models.AgentWorking,
		LastActivityAt: time.Now().Add(-time.Minute),
	})

	f.mon.healthChecks(context.Background(), testLogger())

	require.Len(t, f.sink.records, 1)
	assert.Equal(t, models.CodeAgentTimeout, f.sink.records[0].Code)
	// No pane liveness probe for an agent already flagged by the watchdog.
	assert.Empty(t, f.fake.Calls)
}

func TestHealthChecksSkipTerminatedAgents(t *testing.T) {
	f := newFixture(t)
	f.sess.PutAgent(&models.AgentHandle{
		Role: models.RoleArchitect, PaneID: "%3", Status: models.AgentTerminated,
	})

	f.mon.healthChecks(context.Background(), testLogger())
	assert.Empty(t, f.sink.records)
	assert.Empty(t, f.fake.Calls)
}

func TestIterateStopsOnCompletion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.StartStage(f.state, "synthesis"))
	require.NoError(t, f.engine.CompleteStage(f.state, "synthesis", workflow.StageOutput{}))

	reason, done := f.mon.iterate(context.Background(), testLogger())
	assert.True(t, done)
	assert.Equal(t, StopComplete, reason)
	assert.Equal(t, session.StatusSynthesizing, f.sess.Status())
}

func TestIterateStopsOnWorkflowTimeout(t *testing.T) {
	f := newFixture(t)
	f.mon.cfg.WorkflowTimeout = time.Nanosecond

	reason, done := f.mon.iterate(context.Background(), testLogger())
	assert.True(t, done)
	assert.Equal(t, StopTimeout, reason)
	assert.Contains(t, f.sink.codes(), models.CodeWorkflowTimeout)
}

func TestRunStopsCooperatively(t *testing.T) {
	f := newFixture(t)
	done := make(chan StopReason, 1)
	go func() { done <- f.mon.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	f.mon.Stop()
	f.mon.Stop() // idempotent

	select {
	case reason := <-done:
		assert.Equal(t, StopCancelled, reason)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
