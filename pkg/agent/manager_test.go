package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/runner"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/worktree"
)

func fastAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Binary:            "claude",
		ReadyTimeout:      200 * time.Millisecond,
		ReadyPollInterval: time.Millisecond,
	}
}

// newTestManager builds a manager over a fake runner with an on-disk
// worktree for the researcher role.
func newTestManager(t *testing.T, fake *runner.FakeCommandRunner) (*Manager, *session.Session) {
	t.Helper()
	root := t.TempDir()
	wt := filepath.Join(root, ".worktrees", "researcher")
	require.NoError(t, os.MkdirAll(wt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, promptFile), []byte("# Researcher\n"), 0o644))

	mux := tmux.NewAdapter(fake)
	trees := worktree.NewManager(fake, root, "")
	queues := bus.NewStore(filepath.Join(root, ".swarm", "messages"))
	require.NoError(t, queues.EnsureDirs())

	m := NewManager(mux, trees, queues, nil, fastAgentConfig())
	return m, session.New("1756000000000", "research", "goal")
}

func TestSpawnHappyPath(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: "%5\n"}, // split-window
		{},               // send-keys -l "cd ..."
		{},               // send-keys Enter
		{},               // send-keys -l invocation
		{},               // send-keys Enter
		{Stdout: "Welcome to Claude\n> "}, // capture-pane
	}}
	m, sess := newTestManager(t, fake)

	handle, err := m.Spawn(context.Background(), sess, models.RoleResearcher)
	require.NoError(t, err)
	assert.Equal(t, "%5", handle.PaneID)

	h, ok := sess.Agent(models.RoleResearcher)
	require.True(t, ok)
	assert.Equal(t, models.AgentReady, h.Status)

	// The assistant is launched with conversation resume.
	require.GreaterOrEqual(t, len(fake.Calls), 4)
	assert.Contains(t, fake.Calls[3].Args, "claude --resume")
}

func TestSpawnRejectsUnknownRole(t *testing.T) {
	m, sess := newTestManager(t, &runner.FakeCommandRunner{})
	_, err := m.Spawn(context.Background(), sess, models.Role("orchestrator"))
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeInvalidArgument, rec.Code)
}

func TestSpawnRequiresWorktree(t *testing.T) {
	m, sess := newTestManager(t, &runner.FakeCommandRunner{})
	// The developer worktree was never created on disk.
	_, err := m.Spawn(context.Background(), sess, models.RoleDeveloper)
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeGitWorktreeFailed, rec.Code)
}

func TestSpawnRequiresPromptFile(t *testing.T) {
	fake := &runner.FakeCommandRunner{}
	m, sess := newTestManager(t, fake)
	wt := m.trees.Path(models.RoleResearcher)
	require.NoError(t, os.Remove(filepath.Join(wt, promptFile)))

	_, err := m.Spawn(context.Background(), sess, models.RoleResearcher)
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeAgentSpawnFailed, rec.Code)
	assert.Empty(t, fake.Calls)
}

func TestSpawnTearsDownPaneWhenNeverReady(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: "%5\n"}, // split-window; every later capture is empty
	}}
	m, sess := newTestManager(t, fake)

	_, err := m.Spawn(context.Background(), sess, models.RoleResearcher)
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeAgentSpawnFailed, rec.Code)

	h, ok := sess.Agent(models.RoleResearcher)
	require.True(t, ok)
	assert.Equal(t, models.AgentError, h.Status)

	last := fake.Calls[len(fake.Calls)-1]
	assert.Contains(t, last.Args, "kill-pane")
}

func TestInvocationWithoutResume(t *testing.T) {
	m, _ := newTestManager(t, &runner.FakeCommandRunner{})
	off := false
	m.cfg.Resume = &off

	line := m.invocation(models.RoleReviewer)
	assert.True(t, strings.HasPrefix(line, `claude -p "`))
	assert.Contains(t, line, "reviewer")
	assert.Contains(t, line, promptFile)
}

func TestTerminateQuietPane(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{},                        // C-c
		{Stdout: "user@host:~$ "}, // capture shows a returned shell
		{},                        // kill-pane
	}}
	m, sess := newTestManager(t, fake)
	sess.PutAgent(&models.AgentHandle{Role: models.RoleResearcher, PaneID: "%5"})

	m.Terminate(context.Background(), sess, models.RoleResearcher)

	h, _ := sess.Agent(models.RoleResearcher)
	assert.Equal(t, models.AgentTerminated, h.Status)
	require.Len(t, fake.Calls, 3)
	assert.Contains(t, fake.Calls[2].Args, "kill-pane")
}

func TestTerminateBusyPaneInterruptsTwice(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{},                         // first C-c
		{Stdout: "still thinking"}, // no shell prompt yet
		{},                         // second C-c
		{},                         // kill-pane
	}}
	m, sess := newTestManager(t, fake)
	sess.PutAgent(&models.AgentHandle{Role: models.RoleResearcher, PaneID: "%5"})

	m.Terminate(context.Background(), sess, models.RoleResearcher)
	require.Len(t, fake.Calls, 4)
	assert.Contains(t, fake.Calls[2].Args, "C-c")
}

func TestTerminateUnknownRoleIsNoop(t *testing.T) {
	fake := &runner.FakeCommandRunner{}
	m, sess := newTestManager(t, fake)
	m.Terminate(context.Background(), sess, models.RoleArchitect)
	assert.Empty(t, fake.Calls)
}

func validMessage(to string) models.Message {
	return models.Message{
		ID:        "m-1",
		Timestamp: models.NowTimestamp(),
		From:      models.RoleOrchestrator,
		To:        to,
		Type:      models.MessageTypeTask,
		Priority:  models.PriorityHigh,
		Content:   models.MessageContent{Subject: "s", Body: "b"},
	}
}

func TestSendToAgentAppendsToInbox(t *testing.T) {
	m, sess := newTestManager(t, &runner.FakeCommandRunner{})

	require.NoError(t, m.SendToAgent(context.Background(), sess.ID, validMessage("researcher")))

	msgs, err := m.queues.Read(bus.Inbox, models.RoleResearcher)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
}

func TestSendToAgentRejectsInvalidMessage(t *testing.T) {
	m, sess := newTestManager(t, &runner.FakeCommandRunner{})
	msg := validMessage("researcher")
	msg.Type = "yelling"

	err := m.SendToAgent(context.Background(), sess.ID, msg)
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeInvalidArgument, rec.Code)
}

func TestSendToAgentRejectsUnknownRecipient(t *testing.T) {
	m, sess := newTestManager(t, &runner.FakeCommandRunner{})

	err := m.SendToAgent(context.Background(), sess.ID, validMessage("nobody"))
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeRoutingFailed, rec.Code)
}
