// Package session holds the live session container shared by the monitor
// loop, the recovery engine and the session controller.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/workflow"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusSynthesizing Status = "synthesizing"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// DegradationLevel grades how much capability the session retains.
type DegradationLevel string

const (
	DegradationFull    DegradationLevel = "full"
	DegradationReduced DegradationLevel = "reduced"
	DegradationMinimal DegradationLevel = "minimal"
	DegradationFailed  DegradationLevel = "failed"
)

// Degradation is the session's graceful-degradation state.
type Degradation struct {
	Level             DegradationLevel `json:"level"`
	UnavailableAgents []models.Role    `json:"unavailableAgents,omitempty"`
	SkippedStages     []string         `json:"skippedStages,omitempty"`
	Warnings          []string         `json:"warnings,omitempty"`
}

// NewID mints a session identifier: the decimal milliseconds since epoch.
// The Session Controller is the only caller; every subsystem receives the
// id by value and validates but never mints.
func NewID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Session is the top-level container for one orchestrated workflow run.
// Its id is the sole source of naming for multiplexer sessions, worktree
// branches and audit rows.
type Session struct {
	ID           string
	WorkflowType string
	Goal         string

	mu          sync.RWMutex
	status      Status
	startedAt   time.Time
	endedAt     *time.Time
	agents      map[models.Role]*models.AgentHandle
	state       *workflow.State
	errors      []*models.ErrorRecord
	degradation Degradation
	watermarks  map[models.Role]string // per-outbox last-read timestamps
}

// New creates a session in the initializing state.
func New(id, workflowType, goal string) *Session {
	return &Session{
		ID:           id,
		WorkflowType: workflowType,
		Goal:         goal,
		status:       StatusInitializing,
		startedAt:    time.Now().UTC(),
		agents:       make(map[models.Role]*models.AgentHandle),
		degradation:  Degradation{Level: DegradationFull},
		watermarks:   make(map[models.Role]string),
	}
}

// TmuxSession returns the multiplexer session name.
func (s *Session) TmuxSession() string {
	return "swarm_" + s.ID
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the lifecycle state, stamping the end time on terminal
// transitions.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	switch status {
	case StatusComplete, StatusFailed, StatusCancelled:
		if s.endedAt == nil {
			now := time.Now().UTC()
			s.endedAt = &now
		}
	}
}

// StartedAt returns the session start time.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// EndedAt returns the session end time, if terminal.
func (s *Session) EndedAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// SetWorkflowState attaches the workflow instance state.
func (s *Session) SetWorkflowState(state *workflow.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// WorkflowState returns the workflow instance state. The monitor loop is
// the only steady-state mutator; see the concurrency model.
func (s *Session) WorkflowState() *workflow.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PutAgent registers or replaces an agent handle.
func (s *Session) PutAgent(handle *models.AgentHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[handle.Role] = handle
}

// Agent returns the handle for a role.
func (s *Session) Agent(role models.Role) (*models.AgentHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.agents[role]
	return h, ok
}

// Agents returns the live handles keyed by role. The returned map is a
// copy; the handles are shared.
func (s *Session) Agents() map[models.Role]*models.AgentHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Role]*models.AgentHandle, len(s.agents))
	for r, h := range s.agents {
		out[r] = h
	}
	return out
}

// PatchAgent updates an agent's status and activity time.
func (s *Session) PatchAgent(role models.Role, status models.AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.agents[role]; ok {
		h.Status = status
		h.LastActivityAt = time.Now().UTC()
	}
}

// SetAgentTask records the last task message delivered to an agent.
func (s *Session) SetAgentTask(role models.Role, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.agents[role]; ok {
		h.LastTaskID = taskID
	}
}

// TouchAgent bumps an agent's activity time and message counter.
func (s *Session) TouchAgent(role models.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.agents[role]; ok {
		h.LastActivityAt = time.Now().UTC()
		h.MessageCount++
	}
}

// RecordError appends to the session's cumulative error list.
func (s *Session) RecordError(rec *models.ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rec)
	if s.state != nil {
		s.state.Errors = append(s.state.Errors, rec)
	}
	if h, ok := s.agents[rec.Role]; ok {
		h.ErrorCount++
	}
}

// Errors returns a copy of the cumulative error list.
func (s *Session) Errors() []*models.ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ErrorRecord, len(s.errors))
	copy(out, s.errors)
	return out
}

// Degradation returns the current degradation state.
func (s *Session) Degradation() Degradation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degradation
}

// Degrade applies a degradation update.
func (s *Session) Degrade(level DegradationLevel, unavailable []models.Role, skipped []string, warnings ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradation.Level = level
	s.degradation.UnavailableAgents = append(s.degradation.UnavailableAgents, unavailable...)
	s.degradation.SkippedStages = append(s.degradation.SkippedStages, skipped...)
	s.degradation.Warnings = append(s.degradation.Warnings, warnings...)
}

// Watermark returns the last-read outbox timestamp for a role.
func (s *Session) Watermark(role models.Role) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[role]
}

// SetWatermark advances a role's outbox watermark.
func (s *Session) SetWatermark(role models.Role, ts string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.watermarks[role] {
		s.watermarks[role] = ts
	}
}

// Watermarks returns a copy of all outbox watermarks.
func (s *Session) Watermarks() map[models.Role]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Role]string, len(s.watermarks))
	for r, ts := range s.watermarks {
		out[r] = ts
	}
	return out
}

// RestoreWatermarks replaces the watermark table (checkpoint resume).
func (s *Session) RestoreWatermarks(marks map[models.Role]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks = make(map[models.Role]string, len(marks))
	for r, ts := range marks {
		s.watermarks[r] = ts
	}
}

// AgentSummaries returns checkpoint-safe agent projections.
func (s *Session) AgentSummaries() []models.AgentStateSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AgentStateSummary, 0, len(s.agents))
	for _, h := range s.agents {
		out = append(out, models.AgentStateSummary{
			Role:           h.Role,
			PaneID:         h.PaneID,
			Status:         h.Status,
			LastTaskID:     h.LastTaskID,
			MessageCount:   h.MessageCount,
			LastActivityAt: h.LastActivityAt,
		})
	}
	return out
}
