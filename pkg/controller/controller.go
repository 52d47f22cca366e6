// Package controller is the session facade: it sequences worktrees, the
// multiplexer session and agent spawns on start, hands steady-state
// execution to the monitor loop, applies recovery outcomes, synthesises
// the final result and cleans everything up.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/swarm/pkg/agent"
	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/events"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/monitor"
	"github.com/codeready-toolchain/swarm/pkg/recovery"
	"github.com/codeready-toolchain/swarm/pkg/runner"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/worktree"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// gracefulStopWait bounds how long stop() waits for agents to wind down
// before panes are killed.
const gracefulStopWait = 5 * time.Second

// Controller owns at most one live session at a time.
type Controller struct {
	cfg       *config.Config
	registry  *workflow.Registry
	mux       *tmux.Adapter
	trees     *worktree.Manager
	queues    *bus.Store
	store     *audit.Store
	publisher *events.Publisher

	mu       sync.Mutex
	sess     *session.Session
	engine   *workflow.Engine
	agents   *agent.Manager
	mon      *monitor.Monitor
	recov    *recovery.Engine
	chk      *recovery.Checkpointer
	result   *workflow.Result
	monDone  chan monitor.StopReason
	stopping bool
}

// New assembles a controller from configuration. The audit store must
// already be open.
func New(cfg *config.Config, store *audit.Store, run runner.CommandRunner) *Controller {
	return &Controller{
		cfg:       cfg,
		registry:  workflow.NewRegistry(),
		mux:       tmux.NewAdapter(run),
		trees:     worktree.NewManager(run, cfg.Paths.Root, cfg.RolesDir()),
		queues:    bus.NewStore(cfg.MessagesDir()),
		store:     store,
		publisher: events.NewPublisher(),
	}
}

// Registry exposes the workflow template registry (custom template loads).
func (c *Controller) Registry() *workflow.Registry { return c.registry }

// Subscribe attaches an event listener.
func (c *Controller) Subscribe() (<-chan events.Event, func()) {
	return c.publisher.Subscribe()
}

// IsRunning reports whether a session is live.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && !isTerminal(c.sess.Status())
}

// GetSession returns the live session, if any.
func (c *Controller) GetSession() (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, false
	}
	return c.sess, true
}

// Result returns the synthesised outcome of the last completed session.
func (c *Controller) Result() (*workflow.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.result != nil
}

func isTerminal(s session.Status) bool {
	switch s {
	case session.StatusComplete, session.StatusFailed, session.StatusCancelled:
		return true
	}
	return false
}

// StartWorkflow creates and runs a session for the named template. It
// blocks until the monitor loop has started; the workflow itself runs in
// the background until Wait, Stop or Kill.
func (c *Controller) StartWorkflow(ctx context.Context, workflowType, goal string) (*session.Session, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, models.NewError(models.CodeInvalidArgument, "controller", "goal must not be empty")
	}
	tmpl, err := c.registry.Get(workflowType)
	if err != nil {
		return nil, models.NewError(models.CodeWorkflowNotFound, "controller",
			fmt.Sprintf("unknown workflow %q", workflowType), models.WithCause(err))
	}

	c.mu.Lock()
	if c.sess != nil && !isTerminal(c.sess.Status()) {
		id := c.sess.ID
		c.mu.Unlock()
		return nil, models.NewError(models.CodeSessionExists, "controller",
			fmt.Sprintf("session %s is already running", id))
	}

	// The single mint point for the session id. Every subsystem derives
	// its resource names from this value.
	sess := session.New(session.NewID(), tmpl.Name, goal)
	c.sess = sess
	c.result = nil
	c.stopping = false
	c.mu.Unlock()

	log := slog.With("sessionId", sess.ID, "workflow", tmpl.Name)
	log.Info("Starting workflow", "goal", goal)

	engine := workflow.NewEngine(tmpl)
	state := engine.NewInstance(sess.ID, goal)
	sess.SetWorkflowState(state)

	if err := c.store.CreateSession(ctx, sess.ID, tmpl.Name, goal, string(session.StatusInitializing)); err != nil {
		return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeDatabaseError, "controller"))
	}
	if err := c.queues.EnsureDirs(); err != nil {
		return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeFilesystemError, "controller"))
	}

	if err := c.mux.CreateSession(ctx, sess.TmuxSession()); err != nil {
		return nil, c.failStart(ctx, sess, models.NewError(models.CodeTmuxSessionFailed, "controller",
			"creating multiplexer session", models.WithCause(err)))
	}

	if _, err := c.trees.CreateAll(ctx, tmpl.Roles, sess.ID); err != nil {
		rec := models.NewError(models.CodeGitWorktreeFailed, "controller",
			"creating worktrees", models.WithCause(err))
		_ = c.mux.KillSession(ctx, sess.TmuxSession())
		return nil, c.failStart(ctx, sess, rec)
	}

	c.chk = recovery.NewCheckpointer(c.store, c.queues, c.cfg.Checkpoint.Retention)
	c.recov = recovery.NewEngine(c.cfg.Retry, c.cfg.Recovery, c.chk, c.store)
	c.agents = agent.NewManager(c.mux, c.trees, c.queues, c.store, c.cfg.Agent)

	// Spawn in template order; a failed spawn goes through recovery and
	// may leave a partial roster if degradation allows it.
	for _, role := range tmpl.Roles {
		if err := c.spawnWithRecovery(ctx, sess, role); err != nil {
			c.teardownResources(ctx, sess)
			return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeAgentSpawnFailed, "controller"))
		}
		c.publisher.Publish(events.Event{
			Type: events.TypeAgentSpawned, SessionID: sess.ID, Role: role,
		})
	}

	entryStage, _ := tmpl.StageByID(tmpl.EntryStage)
	if err := engine.StartStage(state, tmpl.EntryStage); err != nil {
		c.teardownResources(ctx, sess)
		return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeStageFailed, "controller"))
	}
	if err := c.agents.SendToAgent(ctx, sess.ID, initialTask(sess, tmpl, entryStage)); err != nil {
		c.teardownResources(ctx, sess)
		return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeRoutingFailed, "controller"))
	}

	sess.SetStatus(session.StatusRunning)
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, string(session.StatusRunning), false); err != nil {
		log.Warn("Failed to persist session status", "error", err)
	}
	if _, err := c.chk.CaptureAndSave(ctx, sess, engine, recovery.CheckpointSessionStart, "controller", ""); err != nil {
		log.Warn("Session-start checkpoint failed", "error", err)
	}

	c.startMonitor(ctx, sess, engine)

	c.publisher.Publish(events.Event{
		Type: events.TypeSessionStarted, SessionID: sess.ID,
		Payload: map[string]any{"workflow": tmpl.Name, "goal": goal},
	})
	return sess, nil
}

// startMonitor wires the monitor loop for the session and launches it in
// the background.
func (c *Controller) startMonitor(ctx context.Context, sess *session.Session, engine *workflow.Engine) {
	c.mu.Lock()
	c.engine = engine
	c.mon = monitor.New(sess, engine, c.queues, c.store, c.mux, c.publisher, c.chk,
		c.cfg.Monitor, c.cfg.Checkpoint, c.handleError)
	c.monDone = make(chan monitor.StopReason, 1)
	mon, done := c.mon, c.monDone
	c.mu.Unlock()

	go func() {
		done <- mon.Run(context.WithoutCancel(ctx))
	}()
}

// ResumeWorkflow revives an interrupted session from its latest persisted
// checkpoint: the workflow state and outbox watermarks are restored, agents
// are respawned into a fresh multiplexer session, and the monitor loop picks
// up where the previous run stopped. The restored watermarks prevent
// double-routing of messages the previous run already delivered.
func (c *Controller) ResumeWorkflow(ctx context.Context, sessionID string) (*session.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, models.NewError(models.CodeInvalidArgument, "controller", "session id must not be empty")
	}
	row, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, models.NewError(models.CodeSessionNotFound, "controller",
			fmt.Sprintf("unknown session %s", sessionID), models.WithCause(err))
	}
	tmpl, err := c.registry.Get(row.WorkflowType)
	if err != nil {
		return nil, models.NewError(models.CodeWorkflowNotFound, "controller",
			fmt.Sprintf("unknown workflow %q", row.WorkflowType), models.WithCause(err))
	}

	c.mu.Lock()
	if c.sess != nil && !isTerminal(c.sess.Status()) {
		id := c.sess.ID
		c.mu.Unlock()
		return nil, models.NewError(models.CodeSessionExists, "controller",
			fmt.Sprintf("session %s is already running", id))
	}
	sess := session.New(sessionID, row.WorkflowType, row.Goal)
	c.sess = sess
	c.result = nil
	c.stopping = false
	c.mu.Unlock()

	log := slog.With("sessionId", sess.ID, "workflow", tmpl.Name)

	chk := recovery.NewCheckpointer(c.store, c.queues, c.cfg.Checkpoint.Retention)
	cp, err := chk.Latest(ctx, sessionID)
	if err != nil {
		return nil, c.failStart(ctx, sess, models.NewError(models.CodeSessionNotFound, "controller",
			fmt.Sprintf("no checkpoint recorded for session %s", sessionID), models.WithCause(err)))
	}
	chk.Restore(sess, cp)
	engine := workflow.NewEngine(tmpl)
	state := sess.WorkflowState()
	if state == nil {
		return nil, c.failStart(ctx, sess, models.NewError(models.CodeStageFailed, "controller",
			fmt.Sprintf("checkpoint %s carries no workflow state", cp.ID)))
	}
	log.Info("Resuming workflow", "checkpoint", cp.ID, "stage", state.CurrentStage)

	if err := c.queues.EnsureDirs(); err != nil {
		return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeFilesystemError, "controller"))
	}

	// The previous run's multiplexer session, if any, holds dead panes.
	_ = c.mux.KillSession(ctx, sess.TmuxSession())
	if err := c.mux.CreateSession(ctx, sess.TmuxSession()); err != nil {
		return nil, c.failStart(ctx, sess, models.NewError(models.CodeTmuxSessionFailed, "controller",
			"creating multiplexer session", models.WithCause(err)))
	}
	if err := c.ensureWorktrees(ctx, tmpl.Roles, sess.ID); err != nil {
		_ = c.mux.KillSession(ctx, sess.TmuxSession())
		return nil, c.failStart(ctx, sess, models.NewError(models.CodeGitWorktreeFailed, "controller",
			"restoring worktrees", models.WithCause(err)))
	}

	c.chk = chk
	c.recov = recovery.NewEngine(c.cfg.Retry, c.cfg.Recovery, c.chk, c.store)
	c.agents = agent.NewManager(c.mux, c.trees, c.queues, c.store, c.cfg.Agent)

	for _, role := range tmpl.Roles {
		if err := c.spawnWithRecovery(ctx, sess, role); err != nil {
			c.teardownResources(ctx, sess)
			return nil, c.failStart(ctx, sess, models.AsErrorRecord(err, models.CodeAgentSpawnFailed, "controller"))
		}
		c.publisher.Publish(events.Event{
			Type: events.TypeAgentSpawned, SessionID: sess.ID, Role: role,
		})
	}

	sess.SetStatus(session.StatusRunning)
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, string(session.StatusRunning), false); err != nil {
		log.Warn("Failed to persist session status", "error", err)
	}
	if _, err := chk.CaptureAndSave(ctx, sess, engine, recovery.CheckpointUserRequested, "controller",
		fmt.Sprintf("resumed from checkpoint %s", cp.ID)); err != nil {
		log.Warn("Resume checkpoint failed", "error", err)
	}

	c.startMonitor(ctx, sess, engine)

	c.publisher.Publish(events.Event{
		Type: events.TypeSessionStarted, SessionID: sess.ID,
		Payload: map[string]any{"workflow": tmpl.Name, "goal": sess.Goal, "resumed": true},
	})
	return sess, nil
}

// ensureWorktrees recreates only the worktrees missing on disk; trees that
// survived the interrupted run are reused as-is.
func (c *Controller) ensureWorktrees(ctx context.Context, roles []models.Role, sessionID string) error {
	for _, role := range roles {
		if _, err := os.Stat(c.trees.Path(role)); err == nil {
			continue
		}
		if _, err := c.trees.Create(ctx, role, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the monitor loop ends, then runs synthesis or failure
// handling and cleanup. Returns the synthesised result for completed
// workflows.
func (c *Controller) Wait(ctx context.Context) (*workflow.Result, error) {
	c.mu.Lock()
	sess, done := c.sess, c.monDone
	c.mu.Unlock()
	if sess == nil || done == nil {
		return nil, models.NewError(models.CodeSessionNotFound, "controller", "no running session")
	}

	var reason monitor.StopReason
	select {
	case reason = <-done:
	case <-ctx.Done():
		c.Stop(context.WithoutCancel(ctx))
		reason = <-done
	}

	switch reason {
	case monitor.StopComplete:
		return c.finish(ctx, sess)
	case monitor.StopTimeout:
		// Timeout still synthesises whatever partial output exists.
		res := c.synthesizePartial(ctx, sess)
		c.endSession(ctx, sess, session.StatusFailed)
		return res, models.NewError(models.CodeWorkflowTimeout, "controller", "workflow timed out")
	case monitor.StopCancelled:
		c.endSession(ctx, sess, session.StatusCancelled)
		return nil, nil
	default:
		c.endSession(ctx, sess, session.StatusFailed)
		return nil, models.NewError(models.CodeStageFailed, "controller", "workflow failed")
	}
}

// finish synthesises the final result, writes it to the outputs directory
// and tears the session down as complete.
func (c *Controller) finish(ctx context.Context, sess *session.Session) (*workflow.Result, error) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	msgs, err := c.store.Messages(ctx, sess.ID)
	if err != nil {
		slog.Warn("Failed to load message history for synthesis", "error", err)
	}
	result, err := engine.Synthesize(sess.WorkflowState(), msgs)
	if err != nil {
		c.endSession(ctx, sess, session.StatusFailed)
		return nil, models.AsErrorRecord(err, models.CodeStageFailed, "controller")
	}
	if err := c.writeResult(sess.ID, result); err != nil {
		slog.Warn("Failed to write result outputs", "error", err)
	}

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()

	status := session.StatusComplete
	if !result.Success {
		status = session.StatusFailed
	}
	c.endSession(ctx, sess, status)
	return result, nil
}

func (c *Controller) synthesizePartial(ctx context.Context, sess *session.Session) *workflow.Result {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	state := sess.WorkflowState()
	if engine == nil || state == nil {
		return nil
	}
	msgs, _ := c.store.Messages(ctx, sess.ID)
	result := &workflow.Result{
		Success: false,
		Summary: fmt.Sprintf("workflow %s timed out at stage %s after %d messages",
			state.TemplateName, state.CurrentStage, len(msgs)),
		Errors: sess.Errors(),
	}
	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	if err := c.writeResult(sess.ID, result); err != nil {
		slog.Warn("Failed to write partial result", "error", err)
	}
	return result
}

// writeResult persists the synthesised result under outputs/{sessionId}/.
func (c *Controller) writeResult(sessionID string, result *workflow.Result) error {
	dir := c.cfg.OutputsDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "result.json"), append(data, '\n'), 0o644)
}

// Stop requests graceful cessation: monitor stop, agent interrupts, a
// bounded wait, then resource teardown.
func (c *Controller) Stop(ctx context.Context) {
	c.shutdown(ctx, true)
}

// Kill tears the session down immediately, skipping the graceful wait.
func (c *Controller) Kill(ctx context.Context) {
	c.shutdown(ctx, false)
}

func (c *Controller) shutdown(ctx context.Context, graceful bool) {
	c.mu.Lock()
	if c.sess == nil || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	sess, mon := c.sess, c.mon
	c.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	if graceful && c.agents != nil {
		c.agents.TerminateAll(ctx, sess)
		select {
		case <-ctx.Done():
		case <-time.After(gracefulStopWait):
		}
	}
	c.teardownResources(ctx, sess)
	if !isTerminal(sess.Status()) {
		c.endSession(ctx, sess, session.StatusCancelled)
	}
}

// endSession stamps the terminal status, persists it and emits the final
// event. Idempotent.
func (c *Controller) endSession(ctx context.Context, sess *session.Session, status session.Status) {
	sess.SetStatus(status)
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, string(status), true); err != nil {
		slog.Warn("Failed to persist terminal session status", "error", err)
	}
	c.teardownResources(ctx, sess)
	c.writeSnapshot(sess)
	c.publisher.Publish(events.Event{
		Type: events.TypeSessionEnded, SessionID: sess.ID,
		Payload: map[string]any{"status": string(status)},
	})
}

// writeSnapshot mirrors the final checkpoint next to the session state so
// it survives database pruning.
func (c *Controller) writeSnapshot(sess *session.Session) {
	c.mu.Lock()
	chk, engine := c.chk, c.engine
	c.mu.Unlock()
	if chk == nil {
		return
	}
	cp := chk.Capture(sess, engine, recovery.CheckpointUserRequested, "controller", "final state")
	if err := recovery.WriteSnapshot(c.cfg.SessionSnapshotPath(sess.ID), cp); err != nil {
		slog.Debug("Session snapshot write failed", "error", err)
	}
}

// teardownResources removes panes, the multiplexer session and worktrees.
// Idempotent and tolerant of partial prior cleanups.
func (c *Controller) teardownResources(ctx context.Context, sess *session.Session) {
	if err := c.mux.KillSession(ctx, sess.TmuxSession()); err != nil {
		slog.Debug("Multiplexer teardown", "error", err)
	}
	tmpl := c.templateOf(sess)
	roles := models.AgentRoles
	if tmpl != nil {
		roles = tmpl.Roles
	}
	for _, role := range roles {
		if err := c.trees.Remove(ctx, role, sess.ID, true); err != nil {
			slog.Debug("Worktree teardown", "role", role, "error", err)
		}
	}
}

func (c *Controller) templateOf(sess *session.Session) *workflow.Template {
	tmpl, err := c.registry.Get(sess.WorkflowType)
	if err != nil {
		return nil
	}
	return tmpl
}

// failStart records a pre-run failure, marks the session failed and
// returns the record.
func (c *Controller) failStart(ctx context.Context, sess *session.Session, rec *models.ErrorRecord) error {
	sess.RecordError(rec)
	if err := c.store.RecordError(ctx, sess.ID, rec); err != nil {
		slog.Warn("Failed to audit start failure", "error", err)
	}
	sess.SetStatus(session.StatusFailed)
	if err := c.store.UpdateSessionStatus(ctx, sess.ID, string(session.StatusFailed), true); err != nil {
		slog.Warn("Failed to persist failed status", "error", err)
	}
	return rec
}

// spawnWithRecovery spawns one agent, routing failures through the
// recovery engine. A continue-degraded outcome tolerates the missing
// role; terminate propagates the error.
func (c *Controller) spawnWithRecovery(ctx context.Context, sess *session.Session, role models.Role) error {
	_, err := c.agents.Spawn(ctx, sess, role)
	if err == nil {
		return nil
	}
	rec := models.AsErrorRecord(err, models.CodeAgentSpawnFailed, "controller")
	sess.RecordError(rec)
	if aerr := c.store.RecordError(ctx, sess.ID, rec); aerr != nil {
		slog.Warn("Failed to audit spawn error", "error", aerr)
	}
	outcome := c.recov.ExecuteRecovery(ctx, sess, rec, func(ctx context.Context) error {
		_, err := c.agents.Spawn(ctx, sess, role)
		return err
	})
	switch outcome.Kind {
	case recovery.OutcomeRecovered, recovery.OutcomeContinueDegraded, recovery.OutcomeSkipStage:
		return nil
	default:
		return rec
	}
}

// handleError is the monitor's error sink: it runs recovery and applies
// the outcome.
func (c *Controller) handleError(ctx context.Context, rec *models.ErrorRecord) recovery.Outcome {
	c.mu.Lock()
	sess, recov := c.sess, c.recov
	c.mu.Unlock()
	if sess == nil || recov == nil {
		return recovery.Outcome{Kind: recovery.OutcomeEscalate}
	}

	outcome := recov.ExecuteRecovery(ctx, sess, rec, nil)
	switch outcome.Kind {
	case recovery.OutcomeRestartAgent:
		if _, err := c.agents.Restart(ctx, sess, outcome.Role); err != nil {
			slog.Error("Agent restart failed", "role", outcome.Role, "error", err)
			if !recovery.ApplyDegradation(sess, rec.Code, outcome.Role) || !recov.AllowPartial() {
				c.terminateFromRecovery(ctx, sess)
			}
		}
	case recovery.OutcomeSkipStage:
		c.skipCurrentStage(sess, outcome.Role)
	case recovery.OutcomeTerminate:
		c.terminateFromRecovery(ctx, sess)
	case recovery.OutcomeEscalate:
		slog.Error("Unrecoverable error requires operator attention",
			"code", rec.Code, "message", outcome.Message)
		c.publisher.Publish(events.Event{
			Type: events.TypeAgentError, SessionID: sess.ID, Role: rec.Role,
			Payload: map[string]any{"code": string(rec.Code), "message": rec.Message},
		})
	}
	return outcome
}

// skipCurrentStage skips the running stage if it belongs to the failed
// role and is declared optional.
func (c *Controller) skipCurrentStage(sess *session.Session, role models.Role) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	state := sess.WorkflowState()
	if engine == nil || state == nil || state.CurrentStage == "" {
		return
	}
	stage, ok := engine.Template().StageByID(state.CurrentStage)
	if !ok || (role != "" && stage.Role != role) {
		return
	}
	if err := engine.SkipStage(state, state.CurrentStage); err != nil {
		slog.Warn("Stage skip rejected", "stage", state.CurrentStage, "error", err)
		return
	}
	sess.Degrade(session.DegradationReduced, nil, []string{stage.ID},
		fmt.Sprintf("stage %s skipped after %s failure", stage.ID, role))
	if next := engine.NextStage(state, workflow.StageOutput{}); next != "" {
		if err := engine.StartStage(state, next); err != nil {
			slog.Warn("Failed to start next stage after skip", "stage", next, "error", err)
		}
	}
}

func (c *Controller) terminateFromRecovery(ctx context.Context, sess *session.Session) {
	slog.Error("Recovery prescribed termination", "sessionId", sess.ID)
	c.mu.Lock()
	mon := c.mon
	c.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
	sess.SetStatus(session.StatusFailed)
}

// initialTask builds the goal message delivered to the entry stage's role.
func initialTask(sess *session.Session, tmpl *workflow.Template, entry *workflow.Stage) models.Message {
	to := string(tmpl.Roles[0])
	if entry != nil {
		to = string(entry.Role)
	}
	return models.Message{
		ID:        uuid.NewString(),
		Timestamp: models.NowTimestamp(),
		From:      models.RoleOrchestrator,
		To:        to,
		Type:      models.MessageTypeTask,
		Priority:  models.PriorityHigh,
		Content: models.MessageContent{
			Subject: fmt.Sprintf("%s workflow: %s", tmpl.Name, truncate(sess.Goal, 80)),
			Body:    sess.Goal,
			Metadata: map[string]any{
				"sessionId": sess.ID,
				"stage":     tmpl.EntryStage,
			},
		},
		RequiresResponse: true,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Close releases the event surface. The audit store is owned by the
// caller.
func (c *Controller) Close() {
	c.publisher.Close()
}
