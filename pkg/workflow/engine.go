package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// Engine evaluates one template against one instance state. It is a pure
// state machine: all I/O (queues, panes, audit) happens in the caller.
type Engine struct {
	template *Template
}

// Sentinel errors for engine operations.
var (
	ErrUnknownStage     = errors.New("stage not declared in template")
	ErrNoRunningStage   = errors.New("no running execution for stage")
	ErrStageNotOptional = errors.New("stage is not optional")
	ErrNotComplete      = errors.New("workflow instance is not complete")
)

// NewEngine creates an engine for the template.
func NewEngine(t *Template) *Engine {
	return &Engine{template: t}
}

// Template returns the engine's template.
func (e *Engine) Template() *Template { return e.template }

// NewInstance creates a fresh running instance positioned at the entry
// stage. The entry stage is not started; the caller starts it once the
// initial task message has been delivered.
func (e *Engine) NewInstance(sessionID, goal string) *State {
	return &State{
		TemplateName: e.template.Name,
		SessionID:    sessionID,
		Goal:         goal,
		Status:       InstanceRunning,
		CurrentStage: e.template.EntryStage,
		History:      []StageExecution{},
		Iterations:   make(map[string]int),
		ProcessedIDs: make(map[string]bool),
		StartedAt:    time.Now().UTC(),
	}
}

// StartStage appends a running history record for the stage and increments
// its iteration counter.
func (e *Engine) StartStage(state *State, stageID string) error {
	if _, ok := e.template.StageByID(stageID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stageID)
	}
	state.Iterations[stageID]++
	state.History = append(state.History, StageExecution{
		StageID:   stageID,
		StartedAt: time.Now().UTC(),
		Status:    ExecutionRunning,
		Iteration: state.Iterations[stageID],
	})
	state.CurrentStage = stageID
	slog.Debug("Stage started", "stage", stageID, "iteration", state.Iterations[stageID])
	return nil
}

// CompleteStage attaches the output to the newest running execution of the
// stage and marks it complete.
func (e *Engine) CompleteStage(state *State, stageID string, output StageOutput) error {
	if _, ok := e.template.StageByID(stageID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stageID)
	}
	for i := len(state.History) - 1; i >= 0; i-- {
		exec := &state.History[i]
		if exec.StageID == stageID && exec.Status == ExecutionRunning {
			now := time.Now().UTC()
			exec.EndedAt = &now
			exec.Status = ExecutionComplete
			exec.Output = &output
			if stageID == e.template.CompletionStage {
				state.Status = InstanceComplete
			}
			slog.Debug("Stage completed", "stage", stageID, "verdict", output.Verdict)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoRunningStage, stageID)
}

// SkipStage records a skipped execution. Only optional stages may be skipped.
func (e *Engine) SkipStage(state *State, stageID string) error {
	stage, ok := e.template.StageByID(stageID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stageID)
	}
	if !stage.Optional {
		return fmt.Errorf("%w: %q", ErrStageNotOptional, stageID)
	}
	now := time.Now().UTC()
	state.History = append(state.History, StageExecution{
		StageID:   stageID,
		StartedAt: now,
		EndedAt:   &now,
		Status:    ExecutionSkipped,
		Iteration: state.Iterations[stageID],
	})
	return nil
}

// FailStage records a failed execution for the newest running record.
func (e *Engine) FailStage(state *State, stageID string) error {
	for i := len(state.History) - 1; i >= 0; i-- {
		exec := &state.History[i]
		if exec.StageID == stageID && exec.Status == ExecutionRunning {
			now := time.Now().UTC()
			exec.EndedAt = &now
			exec.Status = ExecutionFailed
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoRunningStage, stageID)
}

// NextStage walks the transitions declared from the current stage in order
// and returns the target of the first whose guard matches. The empty string
// means terminal. If the otherwise-selected target has already reached its
// iteration maximum, the completion stage is substituted.
func (e *Engine) NextStage(state *State, output StageOutput) string {
	current := state.CurrentStage
	for _, tr := range e.template.Transitions {
		if tr.From != current {
			continue
		}
		if !e.guardMatches(state, tr, output) {
			continue
		}
		target, ok := e.template.StageByID(tr.To)
		if !ok {
			continue
		}
		if tr.To != e.template.CompletionStage && state.IterationCount(tr.To) >= target.MaxIterations {
			slog.Info("Iteration cap reached, routing to completion stage",
				"stage", tr.To, "iterations", state.IterationCount(tr.To))
			return e.template.CompletionStage
		}
		return tr.To
	}
	return ""
}

// guardMatches evaluates one transition guard against the stage output.
func (e *Engine) guardMatches(state *State, tr Transition, output StageOutput) bool {
	switch tr.Guard.Kind {
	case GuardAlways, GuardOnComplete:
		return true
	case GuardOnVerdict:
		return output.Verdict == tr.Guard.Verdict
	case GuardOnCount:
		return output.Counts[tr.Guard.Field] >= tr.Guard.Threshold
	case GuardOnMaxIters:
		target, ok := e.template.StageByID(tr.To)
		return ok && state.IterationCount(tr.To) >= target.MaxIterations
	}
	return false
}

// IsComplete reports whether the instance reached its terminal state.
func (e *Engine) IsComplete(state *State) bool {
	if state.Status == InstanceComplete {
		return true
	}
	for _, exec := range state.History {
		if exec.StageID == e.template.CompletionStage && exec.Status == ExecutionComplete {
			return true
		}
	}
	return false
}

// Progress returns the percentage of distinct completed stages, in [0,100].
func (e *Engine) Progress(state *State) int {
	total := len(e.template.Stages)
	if total == 0 {
		return 0
	}
	pct := len(state.CompletedStages()) * 100 / total
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// PendingStages returns declared stages with no complete or skipped execution.
func (e *Engine) PendingStages(state *State) []string {
	done := make(map[string]bool)
	for _, exec := range state.History {
		if exec.Status == ExecutionComplete || exec.Status == ExecutionSkipped {
			done[exec.StageID] = true
		}
	}
	var out []string
	for _, s := range e.template.Stages {
		if !done[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// ApplyTransition completes the named stage and starts the next one, if any.
func (e *Engine) ApplyTransition(state *State, tr *StageTransition) error {
	if err := e.CompleteStage(state, tr.CompleteStage, tr.Output); err != nil {
		return err
	}
	if tr.NextStage != "" {
		return e.StartStage(state, tr.NextStage)
	}
	return nil
}

// RouteMessage produces the routing decisions for one inbound message.
// Replays of an already-processed id yield no decisions. Routing is
// declarative over the template: when the current stage's executing role
// emits the stage's produced category, the stage completes and the message
// flows to the next stage's role; status messages patch agent state;
// broadcast fans out to every role except the sender; anything else is
// delivered to its addressed recipient verbatim.
func (e *Engine) RouteMessage(state *State, msg *models.Message) ([]RoutingDecision, error) {
	if state.Processed(msg.ID) {
		return nil, nil
	}

	if msg.To == models.RecipientBroadcast {
		var decisions []RoutingDecision
		for _, role := range models.QueueRoles {
			if role == msg.From || role == models.RoleOrchestrator {
				continue
			}
			copied := *msg
			decisions = append(decisions, RoutingDecision{TargetRole: role, Message: &copied})
		}
		return decisions, nil
	}

	if msg.Type == models.MessageTypeStatus {
		return e.routeStatus(msg), nil
	}

	stage, ok := e.template.StageByID(state.CurrentStage)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, state.CurrentStage)
	}

	if msg.From == stage.Role && msg.Type == stage.ProducesType {
		return e.routeStageOutput(state, stage, msg)
	}

	// Not a workflow-driving message: deliver to the addressed role if valid.
	to := models.Role(msg.To)
	if !models.IsQueueRole(to) {
		return nil, models.NewError(models.CodeRoutingFailed, "workflow",
			fmt.Sprintf("message %s addressed to unknown role %q", msg.ID, msg.To),
			models.WithContext(map[string]any{"message_id": msg.ID}))
	}
	if to == models.RoleOrchestrator {
		// Addressed to us; no enqueue, the monitor records it in the audit log.
		return nil, nil
	}
	return []RoutingDecision{{TargetRole: to, Message: msg}}, nil
}

// routeStatus converts a status message into an agent state patch.
func (e *Engine) routeStatus(msg *models.Message) []RoutingDecision {
	status, _ := msg.Content.Metadata["status"].(string)
	var agentStatus models.AgentStatus
	switch status {
	case "working":
		agentStatus = models.AgentWorking
	case "blocked":
		agentStatus = models.AgentBlocked
	case "complete":
		agentStatus = models.AgentComplete
	default:
		return nil
	}
	return []RoutingDecision{{AgentPatch: &AgentStatePatch{Role: msg.From, Status: agentStatus}}}
}

// routeStageOutput completes the current stage with the message as its
// output and forwards the message to the next stage's role.
func (e *Engine) routeStageOutput(state *State, stage *Stage, msg *models.Message) ([]RoutingDecision, error) {
	output := StageOutput{
		Type:    msg.Type,
		Summary: msg.Content.Subject,
		Counts:  msg.Counts(),
	}
	if verdict, ok := msg.Verdict(); ok {
		output.Verdict = verdict
	}

	next := e.NextStage(state, output)
	transition := &StageTransition{
		CompleteStage: stage.ID,
		Output:        output,
		NextStage:     next,
	}

	decisions := []RoutingDecision{{Transition: transition}}

	if next != "" {
		nextStage, ok := e.template.StageByID(next)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, next)
		}
		if models.IsAgentRole(nextStage.Role) && nextStage.Role != msg.From {
			decisions = append(decisions, RoutingDecision{
				TargetRole: nextStage.Role,
				Message:    msg,
				AgentPatch: &AgentStatePatch{Role: nextStage.Role, Status: models.AgentWorking},
			})
		} else if models.IsAgentRole(nextStage.Role) {
			// Same role continues; still deliver so the agent sees the feedback.
			decisions = append(decisions, RoutingDecision{
				TargetRole: nextStage.Role,
				Message:    msg,
			})
		}
		if models.IsAgentRole(stage.Role) && stage.Role != nextStage.Role {
			decisions = append(decisions, RoutingDecision{
				AgentPatch: &AgentStatePatch{Role: stage.Role, Status: models.AgentReady},
			})
		}
	} else if models.IsAgentRole(stage.Role) {
		decisions = append(decisions, RoutingDecision{
			AgentPatch: &AgentStatePatch{Role: stage.Role, Status: models.AgentComplete},
		})
	}
	return decisions, nil
}

// Synthesize produces the final result for a completed instance: success
// iff the terminal stage completed without fatal errors, plus a summary,
// the artifact paths and the findings collected from message history.
func (e *Engine) Synthesize(state *State, messages []models.Message) (*Result, error) {
	if !e.IsComplete(state) {
		return nil, ErrNotComplete
	}

	fatal := false
	for _, rec := range state.Errors {
		if rec.Severity == models.SeverityFatal {
			fatal = true
			break
		}
	}

	var artifacts, findings []string
	roleCounts := make(map[models.Role]int)
	for _, msg := range messages {
		roleCounts[msg.From]++
		artifacts = append(artifacts, msg.Content.Attachments...)
		if msg.Type == models.MessageTypeFinding {
			findings = append(findings, msg.Content.Subject)
		}
	}

	completed := len(state.CompletedStages())
	summary := fmt.Sprintf("workflow=%s stages=%d/%d messages=%d",
		e.template.Name, completed, len(e.template.Stages), len(messages))
	for _, role := range e.template.Roles {
		summary += fmt.Sprintf(" %s=%d", role, roleCounts[role])
	}

	return &Result{
		Success:   !fatal,
		Summary:   summary,
		Artifacts: artifacts,
		Findings:  findings,
		Errors:    state.Errors,
	}, nil
}
