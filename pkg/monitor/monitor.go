// Package monitor implements the periodic driver of a running session:
// outbox draining, routing dispatch, health and timeout watchdogs. The
// scheduling model is single-threaded cooperative — one loop, operations
// strictly serial, with stop checks between substeps so no file write is
// ever interrupted.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/events"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/recovery"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// StopReason says why the loop ended.
type StopReason string

const (
	StopComplete  StopReason = "complete"
	StopTimeout   StopReason = "timeout"
	StopCancelled StopReason = "cancelled"
	StopFailed    StopReason = "failed"
)

// ErrorSink receives every error the monitor detects. The session
// controller backs this with the recovery engine and applies the outcome.
type ErrorSink func(ctx context.Context, rec *models.ErrorRecord) recovery.Outcome

// Monitor drives one session.
type Monitor struct {
	sess         *session.Session
	engine       *workflow.Engine
	queues       *bus.Store
	store        *audit.Store
	mux          *tmux.Adapter
	publisher    *events.Publisher
	checkpointer *recovery.Checkpointer
	cfg          config.MonitorConfig
	checkpoint   config.CheckpointConfig
	sink         ErrorSink

	stopCh   chan struct{}
	stopOnce sync.Once

	lastCheckpoint time.Time
}

// New assembles a monitor. sink must not be nil.
func New(sess *session.Session, engine *workflow.Engine, queues *bus.Store, store *audit.Store,
	mux *tmux.Adapter, publisher *events.Publisher, checkpointer *recovery.Checkpointer,
	cfg config.MonitorConfig, checkpoint config.CheckpointConfig, sink ErrorSink) *Monitor {
	return &Monitor{
		sess:         sess,
		engine:       engine,
		queues:       queues,
		store:        store,
		mux:          mux,
		publisher:    publisher,
		checkpointer: checkpointer,
		cfg:          cfg,
		checkpoint:   checkpoint,
		sink:         sink,
		stopCh:       make(chan struct{}),
	}
}

// Stop requests a cooperative stop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// stopped is checked between iterations and between per-agent substeps.
func (m *Monitor) stopped(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run blocks until the workflow completes, times out, fails, or a stop is
// requested. One iteration executes immediately; subsequent iterations
// follow the configured interval.
func (m *Monitor) Run(ctx context.Context) StopReason {
	log := slog.With("sessionId", m.sess.ID)
	log.Info("Monitor loop started", "interval", m.cfg.Interval)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if reason, done := m.iterate(ctx, log); done {
			return reason
		}
		select {
		case <-m.stopCh:
			return StopCancelled
		case <-ctx.Done():
			return StopCancelled
		case <-ticker.C:
		}
	}
}

// iterate runs one monitor pass. done means the loop must end.
func (m *Monitor) iterate(ctx context.Context, log *slog.Logger) (StopReason, bool) {
	state := m.sess.WorkflowState()
	if state == nil {
		return StopFailed, true
	}

	// 1. Outbox drain, per agent in stable role order.
	for _, role := range models.AgentRoles {
		if m.stopped(ctx) {
			return StopCancelled, true
		}
		m.drainOutbox(ctx, role, state, log)
	}

	// 2. Health checks.
	if m.stopped(ctx) {
		return StopCancelled, true
	}
	m.healthChecks(ctx, log)

	// 3. Completion check.
	if m.engine.IsComplete(state) {
		log.Info("Workflow complete", "stages", len(state.History))
		m.sess.SetStatus(session.StatusSynthesizing)
		m.publish(events.TypeWorkflowComplete, "", state.CurrentStage, nil)
		return StopComplete, true
	}

	// 4. Workflow timeout.
	if elapsed := time.Since(m.sess.StartedAt()); elapsed > m.cfg.WorkflowTimeout {
		rec := models.NewError(models.CodeWorkflowTimeout, "monitor",
			fmt.Sprintf("workflow exceeded %s (elapsed %s)", m.cfg.WorkflowTimeout, elapsed.Round(time.Second)))
		m.sess.RecordError(rec)
		m.recordError(ctx, rec)
		m.sink(ctx, rec)
		return StopTimeout, true
	}

	// 5. Periodic checkpoint.
	m.maybeCheckpoint(ctx, log)

	return "", false
}

// drainOutbox routes every outbox message newer than the role's watermark,
// in timestamp order with id as tiebreak, and advances the watermark.
func (m *Monitor) drainOutbox(ctx context.Context, role models.Role, state *workflow.State, log *slog.Logger) {
	msgs, err := m.queues.Read(bus.Outbox, role)
	if err != nil {
		rec := models.AsErrorRecord(err, models.CodeFilesystemError, "monitor")
		m.sess.RecordError(rec)
		m.recordError(ctx, rec)
		m.sink(ctx, rec)
		return
	}

	watermark := m.sess.Watermark(role)
	var pending []models.Message
	for _, msg := range msgs {
		if msg.Timestamp > watermark {
			pending = append(pending, msg)
		}
	}
	if len(pending) == 0 {
		return
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Before(&pending[j]) })

	for i := range pending {
		if m.stopped(ctx) {
			return
		}
		msg := pending[i]
		m.routeOne(ctx, state, &msg, log)
		m.sess.SetWatermark(role, msg.Timestamp)
		m.sess.TouchAgent(role)
	}
}

// routeOne audits the message, asks the workflow engine for routing
// decisions and applies all of them in order. The watermark only advances
// after the whole decision set applied, so a crash mid-message replays it;
// replay is idempotent at the engine and audit layers.
func (m *Monitor) routeOne(ctx context.Context, state *workflow.State, msg *models.Message, log *slog.Logger) {
	if m.store != nil {
		if err := m.store.RecordMessage(ctx, m.sess.ID, msg); err != nil {
			log.Warn("Failed to audit message", "messageId", msg.ID, "error", err)
		}
	}

	decisions, err := m.engine.RouteMessage(state, msg)
	if err != nil {
		rec := models.AsErrorRecord(err, models.CodeRoutingFailed, "monitor")
		rec.Role = msg.From
		m.sess.RecordError(rec)
		m.recordError(ctx, rec)
		m.sink(ctx, rec)
		return
	}

	for _, d := range decisions {
		if d.Message != nil && d.TargetRole != "" {
			if err := m.queues.Append(bus.Inbox, d.TargetRole, *d.Message); err != nil {
				rec := models.AsErrorRecord(err, models.CodeFilesystemError, "monitor")
				m.sess.RecordError(rec)
				m.recordError(ctx, rec)
				m.sink(ctx, rec)
				continue
			}
			if d.Message.Type == models.MessageTypeTask {
				m.sess.SetAgentTask(d.TargetRole, d.Message.ID)
			}
			m.publish(events.TypeMessageRouted, d.TargetRole, state.CurrentStage, map[string]any{
				"messageId": d.Message.ID,
				"from":      d.Message.From,
				"type":      d.Message.Type,
			})
		}
		if d.Transition != nil {
			m.applyTransition(ctx, state, d.Transition, log)
		}
		if d.AgentPatch != nil {
			m.sess.PatchAgent(d.AgentPatch.Role, d.AgentPatch.Status)
			m.publishAgentStatus(d.AgentPatch)
		}
	}
	state.MarkProcessed(msg.ID)
}

func (m *Monitor) applyTransition(ctx context.Context, state *workflow.State, tr *workflow.StageTransition, log *slog.Logger) {
	from := tr.CompleteStage
	if err := m.engine.ApplyTransition(state, tr); err != nil {
		rec := models.NewError(models.CodeStageFailed, "monitor",
			fmt.Sprintf("applying transition from %s: %v", from, err), models.WithCause(err))
		m.sess.RecordError(rec)
		m.recordError(ctx, rec)
		m.sink(ctx, rec)
		return
	}
	log.Info("Stage transition", "from", from, "to", tr.NextStage)
	m.publish(events.TypeStageTransition, "", tr.NextStage, map[string]any{
		"completed": from,
		"verdict":   tr.Output.Verdict,
	})
	// Stage boundaries are checkpoint triggers.
	if m.checkpointer != nil {
		if _, err := m.checkpointer.CaptureAndSave(ctx, m.sess, m.engine,
			recovery.CheckpointStageComplete, "monitor", from); err != nil {
			log.Warn("Stage checkpoint failed", "stage", from, "error", err)
		}
		m.lastCheckpoint = time.Now()
	}
}

// healthChecks raises AGENT_TIMEOUT for silent working agents and
// AGENT_CRASHED for agents whose pane vanished. A crashed agent's handle
// moves to error before recovery runs.
func (m *Monitor) healthChecks(ctx context.Context, log *slog.Logger) {
	tmuxSession := m.sess.TmuxSession()
	for role, handle := range m.sess.Agents() {
		if m.stopped(ctx) {
			return
		}
		if handle.Status == models.AgentTerminated || handle.Status == models.AgentError {
			continue
		}

		if handle.Status == models.AgentWorking &&
			time.Since(handle.LastActivityAt) > m.cfg.AgentTimeout {
			rec := models.NewError(models.CodeAgentTimeout, "monitor",
				fmt.Sprintf("no activity for %s", time.Since(handle.LastActivityAt).Round(time.Second)),
				models.WithRole(role))
			m.sess.RecordError(rec)
			m.recordError(ctx, rec)
			m.sink(ctx, rec)
			continue
		}

		alive, err := m.mux.HasPane(ctx, tmuxSession, handle.PaneID)
		if err != nil {
			log.Warn("Pane liveness check failed", "role", role, "error", err)
			continue
		}
		if !alive {
			m.sess.PatchAgent(role, models.AgentError)
			rec := models.NewError(models.CodeAgentCrashed, "monitor",
				fmt.Sprintf("pane %s is gone", handle.PaneID), models.WithRole(role))
			m.sess.RecordError(rec)
			m.recordError(ctx, rec)
			m.sink(ctx, rec)
		}
	}
}

func (m *Monitor) maybeCheckpoint(ctx context.Context, log *slog.Logger) {
	if m.checkpointer == nil || !m.checkpoint.IsEnabled() {
		return
	}
	if time.Since(m.lastCheckpoint) < m.checkpoint.Interval {
		return
	}
	if _, err := m.checkpointer.CaptureAndSave(ctx, m.sess, m.engine,
		recovery.CheckpointPeriodic, "monitor", ""); err != nil {
		log.Warn("Periodic checkpoint failed", "error", err)
	}
	m.lastCheckpoint = time.Now()
}

func (m *Monitor) publish(eventType string, role models.Role, stage string, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(events.Event{
		Type:      eventType,
		SessionID: m.sess.ID,
		Role:      role,
		Stage:     stage,
		Payload:   payload,
	})
}

func (m *Monitor) publishAgentStatus(patch *workflow.AgentStatePatch) {
	var eventType string
	switch patch.Status {
	case models.AgentWorking:
		eventType = events.TypeAgentWorking
	case models.AgentReady:
		eventType = events.TypeAgentReady
	case models.AgentComplete:
		eventType = events.TypeAgentComplete
	case models.AgentError, models.AgentBlocked:
		eventType = events.TypeAgentError
	default:
		return
	}
	m.publish(eventType, patch.Role, "", nil)
}

func (m *Monitor) recordError(ctx context.Context, rec *models.ErrorRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordError(ctx, m.sess.ID, rec); err != nil {
		slog.Warn("Failed to audit error", "code", rec.Code, "error", err)
	}
}
