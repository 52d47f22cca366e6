package models

import "time"

// AgentStatus tracks an agent's lifecycle state.
type AgentStatus string

const (
	AgentSpawning   AgentStatus = "spawning"
	AgentStarting   AgentStatus = "starting"
	AgentReady      AgentStatus = "ready"
	AgentWorking    AgentStatus = "working"
	AgentComplete   AgentStatus = "complete"
	AgentBlocked    AgentStatus = "blocked"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// AgentHandle is the live handle to a spawned agent: its pane, worktree,
// and activity counters. Owned by the session; destroyed on cleanup.
type AgentHandle struct {
	Role           Role        `json:"role"`
	PaneID         string      `json:"paneId"`
	WorktreePath   string      `json:"worktreePath"`
	Status         AgentStatus `json:"status"`
	SpawnedAt      time.Time   `json:"spawnedAt"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
	LastTaskID     string      `json:"lastTaskId,omitempty"`
	MessageCount   int         `json:"messageCount"`
	ErrorCount     int         `json:"errorCount"`
}

// AgentStateSummary is the checkpoint-safe projection of an agent handle:
// no live pane reference, just enough to resume bookkeeping.
type AgentStateSummary struct {
	Role           Role        `json:"role"`
	PaneID         string      `json:"paneId,omitempty"`
	Status         AgentStatus `json:"status"`
	LastTaskID     string      `json:"lastTaskId,omitempty"`
	MessageCount   int         `json:"messageCount"`
	LastActivityAt time.Time   `json:"lastActivityAt"`
}
