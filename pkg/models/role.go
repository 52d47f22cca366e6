// Package models defines the shared data model for the swarm orchestrator:
// roles, messages, error records, and the enums the workflow engine and
// recovery engine key on.
package models

import "regexp"

// Role identifies an agent's responsibility and prompt.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleDeveloper  Role = "developer"
	RoleReviewer   Role = "reviewer"
	RoleArchitect  Role = "architect"

	// RoleOrchestrator is a pseudo-role used for routing; no agent process
	// runs under it.
	RoleOrchestrator Role = "orchestrator"

	// RecipientBroadcast fans a message out to every role except the sender.
	RecipientBroadcast = "broadcast"
)

// AgentRoles are the roles an agent process may run under.
var AgentRoles = []Role{RoleResearcher, RoleDeveloper, RoleReviewer, RoleArchitect}

// QueueRoles are the roles admitted as inbox/outbox filenames.
var QueueRoles = []Role{RoleResearcher, RoleDeveloper, RoleReviewer, RoleArchitect, RoleOrchestrator}

// IsAgentRole reports whether r names a spawnable agent role.
func IsAgentRole(r Role) bool {
	for _, a := range AgentRoles {
		if r == a {
			return true
		}
	}
	return false
}

// IsQueueRole reports whether r may appear as a queue filename.
func IsQueueRole(r Role) bool {
	for _, a := range QueueRoles {
		if r == a {
			return true
		}
	}
	return false
}

// safeNameRe matches the characters that pass safely as external command
// target arguments. Session ids and multiplexer session names are validated
// against it before they reach a subprocess.
var safeNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsSafeName reports whether s is safe to embed in external command arguments.
func IsSafeName(s string) bool {
	return safeNameRe.MatchString(s)
}
