// Package workflow implements the declarative workflow engine: named
// templates, stage/iteration state, guarded transitions, message routing
// and final-result synthesis.
package workflow

import (
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// StageCategory classifies what a stage does.
type StageCategory string

const (
	StageWork      StageCategory = "work"
	StageReview    StageCategory = "review"
	StageDecision  StageCategory = "decision"
	StageSynthesis StageCategory = "synthesis"
)

// Verdict values a review stage may produce.
const (
	VerdictApproved      = "APPROVED"
	VerdictNeedsRevision = "NEEDS_REVISION"
	VerdictRejected      = "REJECTED"
)

// Stage is one node of the workflow graph.
type Stage struct {
	ID            string               `yaml:"id"`
	Role          models.Role          `yaml:"role"`
	Category      StageCategory        `yaml:"category"`
	AcceptsTypes  []models.MessageType `yaml:"accepts"`
	ProducesType  models.MessageType   `yaml:"produces"`
	Optional      bool                 `yaml:"optional"`
	MaxIterations int                  `yaml:"max_iterations"`
	Timeout       time.Duration        `yaml:"timeout"`
	Description   string               `yaml:"description"`
}

// GuardKind discriminates transition guards.
type GuardKind string

const (
	GuardAlways     GuardKind = "always"
	GuardOnComplete GuardKind = "on_complete"
	GuardOnVerdict  GuardKind = "on_verdict"
	GuardOnCount    GuardKind = "on_count"
	GuardOnMaxIters GuardKind = "on_max_iterations"
)

// Guard is the condition on a transition.
type Guard struct {
	Kind      GuardKind `yaml:"kind"`
	Verdict   string    `yaml:"verdict,omitempty"`   // for on_verdict
	Field     string    `yaml:"field,omitempty"`     // for on_count
	Threshold int       `yaml:"threshold,omitempty"` // for on_count
}

// Transition is a guarded directed edge between stages. The first matching
// transition in declaration order wins.
type Transition struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Guard Guard  `yaml:"guard"`
}

// Template is a static workflow definition.
type Template struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	Roles           []models.Role `yaml:"roles"`
	Stages          []Stage       `yaml:"stages"`
	Transitions     []Transition  `yaml:"transitions"`
	EntryStage      string        `yaml:"entry_stage"`
	CompletionStage string        `yaml:"completion_stage"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	MaxRevisions    int           `yaml:"max_revisions"`
	Description     string        `yaml:"description"`
}

// StageByID returns the stage declaration, if present.
func (t *Template) StageByID(id string) (*Stage, bool) {
	for i := range t.Stages {
		if t.Stages[i].ID == id {
			return &t.Stages[i], true
		}
	}
	return nil, false
}

// HasRole reports whether the template requires the role.
func (t *Template) HasRole(role models.Role) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ExecutionStatus is the status of one stage execution.
type ExecutionStatus string

const (
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionComplete ExecutionStatus = "complete"
	ExecutionSkipped  ExecutionStatus = "skipped"
	ExecutionFailed   ExecutionStatus = "failed"
)

// StageOutput is the recorded output of a completed stage.
type StageOutput struct {
	Type    models.MessageType `json:"type"`
	Verdict string             `json:"verdict,omitempty"`
	Summary string             `json:"summary,omitempty"`
	Counts  map[string]int     `json:"counts,omitempty"`
}

// StageExecution is one entry in the instance history.
type StageExecution struct {
	StageID   string          `json:"stageId"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Iteration int             `json:"iteration"`
	Output    *StageOutput    `json:"output,omitempty"`
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning  InstanceStatus = "running"
	InstanceComplete InstanceStatus = "complete"
	InstanceFailed   InstanceStatus = "failed"
)

// State is the mutable state of one workflow instance. It is the unit the
// checkpoint snapshot captures and restores.
type State struct {
	TemplateName string                `json:"templateName"`
	SessionID    string                `json:"sessionId"`
	Goal         string                `json:"goal"`
	Status       InstanceStatus        `json:"status"`
	CurrentStage string                `json:"currentStage"`
	History      []StageExecution      `json:"history"`
	Iterations   map[string]int        `json:"iterations"`
	ProcessedIDs map[string]bool       `json:"processedMessageIds"`
	Errors       []*models.ErrorRecord `json:"errors,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
}

// IterationCount returns the number of starts recorded for a stage.
func (s *State) IterationCount(stageID string) int {
	return s.Iterations[stageID]
}

// Processed reports whether a message id has already been routed.
func (s *State) Processed(id string) bool {
	return s.ProcessedIDs[id]
}

// MarkProcessed records a routed message id.
func (s *State) MarkProcessed(id string) {
	if s.ProcessedIDs == nil {
		s.ProcessedIDs = make(map[string]bool)
	}
	s.ProcessedIDs[id] = true
}

// CompletedStages returns the distinct stage ids with a complete execution.
func (s *State) CompletedStages() []string {
	seen := make(map[string]bool)
	var out []string
	for _, exec := range s.History {
		if exec.Status == ExecutionComplete && !seen[exec.StageID] {
			seen[exec.StageID] = true
			out = append(out, exec.StageID)
		}
	}
	return out
}

// StageTransition instructs the caller to complete the current stage and
// start the next one.
type StageTransition struct {
	CompleteStage string      `json:"completeStage"`
	Output        StageOutput `json:"output"`
	NextStage     string      `json:"nextStage,omitempty"` // empty means terminal
}

// AgentStatePatch updates an agent's lifecycle state as a routing side effect.
type AgentStatePatch struct {
	Role   models.Role        `json:"role"`
	Status models.AgentStatus `json:"status"`
}

// RoutingDecision is one action produced by RouteMessage. The monitor
// applies all decisions for one inbound message atomically, in order.
type RoutingDecision struct {
	TargetRole models.Role      `json:"targetRole,omitempty"`
	Message    *models.Message  `json:"message,omitempty"`
	Transition *StageTransition `json:"transition,omitempty"`
	AgentPatch *AgentStatePatch `json:"agentPatch,omitempty"`
}

// Result is the synthesised outcome of a completed instance.
type Result struct {
	Success   bool                  `json:"success"`
	Summary   string                `json:"summary"`
	Artifacts []string              `json:"artifacts"`
	Findings  []string              `json:"findings"`
	Errors    []*models.ErrorRecord `json:"errors,omitempty"`
}
