// Package agent turns a bare role name into a running, responsive agent:
// worktree verification, pane creation, assistant startup and readiness
// detection, plus graceful termination and inbox delivery.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/worktree"
)

// promptFile is the per-role instruction file the assistant reads as
// persistent context from its worktree root.
const promptFile = "CLAUDE.md"

// readyPattern matches assistant-prompt indicators in captured pane
// output. Heuristic: the prompt glyphs the assistant renders, or its
// banner text.
var readyPattern = regexp.MustCompile(`(?m)(^[>❯✻⏺]|Welcome to Claude|bypass permissions|esc to interrupt)`)

// shellPromptPattern detects a returned shell after interrupt.
var shellPromptPattern = regexp.MustCompile(`(?m)[$%#]\s*$`)

// Manager spawns and terminates agents for one session.
type Manager struct {
	mux    *tmux.Adapter
	trees  *worktree.Manager
	queues *bus.Store
	store  *audit.Store
	cfg    config.AgentConfig
}

// NewManager wires the agent manager to its collaborators.
func NewManager(mux *tmux.Adapter, trees *worktree.Manager, queues *bus.Store, store *audit.Store, cfg config.AgentConfig) *Manager {
	return &Manager{mux: mux, trees: trees, queues: queues, store: store, cfg: cfg}
}

// Spawn starts an agent for the role and registers its handle in the
// session. The assistant is considered ready on the first prompt match in
// its pane; a spawn that never becomes ready fails with
// AGENT_SPAWN_FAILED and the pane is torn down.
func (m *Manager) Spawn(ctx context.Context, sess *session.Session, role models.Role) (*models.AgentHandle, error) {
	if !models.IsAgentRole(role) {
		return nil, models.NewError(models.CodeInvalidArgument, "agent",
			fmt.Sprintf("%q is not a spawnable role", role))
	}
	log := slog.With("sessionId", sess.ID, "role", role)

	path := m.trees.Path(role)
	if _, err := os.Stat(path); err != nil {
		return nil, models.NewError(models.CodeGitWorktreeFailed, "agent",
			fmt.Sprintf("worktree for %s missing at %s", role, path),
			models.WithRole(role), models.WithCause(err))
	}
	if _, err := os.Stat(filepath.Join(path, promptFile)); err != nil {
		return nil, models.NewError(models.CodeAgentSpawnFailed, "agent",
			fmt.Sprintf("prompt file %s missing in worktree", promptFile),
			models.WithRole(role), models.WithCause(err))
	}

	tmuxSession := sess.TmuxSession()
	paneID, err := m.mux.CreatePane(ctx, tmuxSession, tmux.SplitOptions{})
	if err != nil {
		return nil, models.NewError(models.CodeAgentSpawnFailed, "agent",
			"creating pane", models.WithRole(role), models.WithCause(err))
	}

	handle := &models.AgentHandle{
		Role:         role,
		PaneID:       paneID,
		WorktreePath: path,
		Status:       models.AgentSpawning,
		SpawnedAt:    time.Now().UTC(),
	}
	sess.PutAgent(handle)

	if err := m.startAssistant(ctx, sess, handle); err != nil {
		sess.PatchAgent(role, models.AgentError)
		m.killPane(ctx, tmuxSession, paneID)
		return nil, err
	}

	sess.PatchAgent(role, models.AgentReady)
	log.Info("Agent ready", "paneId", paneID, "worktree", path)
	m.recordActivity(ctx, sess.ID, role, audit.ActivityReady, map[string]any{"paneId": paneID})
	return handle, nil
}

// startAssistant changes into the worktree, launches the assistant binary
// and waits for the readiness pattern.
func (m *Manager) startAssistant(ctx context.Context, sess *session.Session, handle *models.AgentHandle) error {
	tmuxSession := sess.TmuxSession()
	role := handle.Role

	if err := m.mux.SendLiteralLine(ctx, tmuxSession, handle.PaneID, "cd "+handle.WorktreePath); err != nil {
		return models.NewError(models.CodeAgentSpawnFailed, "agent",
			"changing pane directory", models.WithRole(role), models.WithCause(err))
	}
	// Give the shell time to settle before the assistant invocation.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	sess.PatchAgent(role, models.AgentStarting)
	m.recordActivity(ctx, sess.ID, role, audit.ActivitySpawned, map[string]any{"paneId": handle.PaneID})

	invocation := m.invocation(role)
	if err := m.mux.SendLiteralLine(ctx, tmuxSession, handle.PaneID, invocation); err != nil {
		return models.NewError(models.CodeAgentSpawnFailed, "agent",
			"starting assistant", models.WithRole(role), models.WithCause(err))
	}

	_, err := m.mux.WaitForPattern(ctx, tmuxSession, handle.PaneID, readyPattern, tmux.WaitOptions{
		Interval: m.cfg.ReadyPollInterval,
		Timeout:  m.cfg.ReadyTimeout,
		Lines:    40,
	})
	if err != nil {
		return models.NewError(models.CodeAgentSpawnFailed, "agent",
			fmt.Sprintf("assistant not ready within %s", m.cfg.ReadyTimeout),
			models.WithRole(role), models.WithCause(err))
	}
	return nil
}

// invocation builds the assistant command line. Resume is the default so
// the assistant picks up the worktree prompt file as persistent context.
func (m *Manager) invocation(role models.Role) string {
	bin := m.cfg.Binary
	if bin == "" {
		bin = "claude"
	}
	if m.cfg.ResumeEnabled() {
		return bin + " --resume"
	}
	prompt := fmt.Sprintf("You are the %s agent. Read %s in this directory and follow it.", role, promptFile)
	return fmt.Sprintf("%s -p %q", bin, prompt)
}

// Terminate shuts an agent down gracefully: interrupt, wait, interrupt
// again if the shell has not returned, then kill the pane. Teardown
// failures are swallowed.
func (m *Manager) Terminate(ctx context.Context, sess *session.Session, role models.Role) {
	handle, ok := sess.Agent(role)
	if !ok {
		return
	}
	tmuxSession := sess.TmuxSession()

	if err := m.mux.SendKeys(ctx, tmuxSession, handle.PaneID, "C-c", false); err != nil {
		slog.Debug("Interrupt failed during teardown", "role", role, "error", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	if out, err := m.mux.CapturePane(ctx, tmuxSession, handle.PaneID, 5, false); err == nil {
		if !shellPromptPattern.MatchString(strings.TrimRight(out, "\n")) {
			_ = m.mux.SendKeys(ctx, tmuxSession, handle.PaneID, "C-c", false)
		}
	}
	m.killPane(ctx, tmuxSession, handle.PaneID)
	sess.PatchAgent(role, models.AgentTerminated)
	m.recordActivity(ctx, sess.ID, role, audit.ActivityComplete, map[string]any{"terminated": true})
}

// TerminateAll tears down every live agent in the session.
func (m *Manager) TerminateAll(ctx context.Context, sess *session.Session) {
	for role, handle := range sess.Agents() {
		if handle.Status == models.AgentTerminated {
			continue
		}
		m.Terminate(ctx, sess, role)
	}
}

// Restart tears the agent down and spawns it again in a fresh pane. The
// worktree and its conversation context survive, so the resumed assistant
// continues where it left off.
func (m *Manager) Restart(ctx context.Context, sess *session.Session, role models.Role) (*models.AgentHandle, error) {
	m.Terminate(ctx, sess, role)
	return m.Spawn(ctx, sess, role)
}

// SendToAgent delivers a message to the target role's inbox and mirrors
// it into the audit store. Pane I/O is never used for message passing;
// the assistant polls its inbox file autonomously.
func (m *Manager) SendToAgent(ctx context.Context, sessionID string, msg models.Message) error {
	if !msg.Validate() {
		return models.NewError(models.CodeInvalidArgument, "agent",
			fmt.Sprintf("message %s fails wire validation", msg.ID))
	}
	role := models.Role(msg.To)
	if !models.IsQueueRole(role) {
		return models.NewError(models.CodeRoutingFailed, "agent",
			fmt.Sprintf("no inbox for role %q", role), models.WithRole(role))
	}
	if err := m.queues.Append(bus.Inbox, role, msg); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.RecordMessage(ctx, sessionID, &msg); err != nil {
			slog.Warn("Failed to audit outbound message", "messageId", msg.ID, "error", err)
		}
	}
	return nil
}

func (m *Manager) killPane(ctx context.Context, tmuxSession, paneID string) {
	if err := m.mux.KillPane(ctx, tmuxSession, paneID); err != nil {
		slog.Debug("Kill pane failed during teardown", "paneId", paneID, "error", err)
	}
}

func (m *Manager) recordActivity(ctx context.Context, sessionID string, role models.Role, eventType string, details map[string]any) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordActivity(ctx, sessionID, role, eventType, details); err != nil {
		slog.Warn("Failed to record agent activity", "role", role, "event", eventType, "error", err)
	}
}
