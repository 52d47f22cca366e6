package recovery

import (
	"fmt"

	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
)

// Mitigation names what the workflow does about a lost capability.
type Mitigation string

const (
	MitigationSubstitute  Mitigation = "substitute"
	MitigationMarkPartial Mitigation = "mark_partial"
	MitigationSkipStage   Mitigation = "skip_stage"
	MitigationFailSession Mitigation = "fail_session"
)

// DegradationRule describes the impact of losing one agent and how the
// session degrades in response.
type DegradationRule struct {
	Impact      string
	Mitigation  Mitigation
	Level       session.DegradationLevel
	UserMessage string
}

// degradationRules is keyed by (code, role). Roles whose loss the workflow
// cannot absorb fail the session.
var degradationRules = map[models.ErrorCode]map[models.Role]DegradationRule{
	models.CodeAgentCrashed: {
		models.RoleResearcher: {
			Impact:      "research capability lost",
			Mitigation:  MitigationFailSession,
			Level:       session.DegradationFailed,
			UserMessage: "The researcher agent is unavailable; the workflow cannot produce findings.",
		},
		models.RoleDeveloper: {
			Impact:      "implementation capability lost",
			Mitigation:  MitigationFailSession,
			Level:       session.DegradationFailed,
			UserMessage: "The developer agent is unavailable; the workflow cannot produce artifacts.",
		},
		models.RoleReviewer: {
			Impact:      "independent review lost",
			Mitigation:  MitigationMarkPartial,
			Level:       session.DegradationReduced,
			UserMessage: "The reviewer agent is unavailable; results will be marked unreviewed.",
		},
		models.RoleArchitect: {
			Impact:      "design oversight lost",
			Mitigation:  MitigationMarkPartial,
			Level:       session.DegradationReduced,
			UserMessage: "The architect agent is unavailable; design stages will be skipped.",
		},
	},
	models.CodeAgentTimeout: {
		models.RoleReviewer: {
			Impact:      "review stalled",
			Mitigation:  MitigationSkipStage,
			Level:       session.DegradationReduced,
			UserMessage: "The reviewer agent stopped responding; pending review stages will be skipped.",
		},
		models.RoleArchitect: {
			Impact:      "design stalled",
			Mitigation:  MitigationSkipStage,
			Level:       session.DegradationReduced,
			UserMessage: "The architect agent stopped responding; pending design stages will be skipped.",
		},
	},
	models.CodeAgentSpawnFailed: {
		models.RoleReviewer: {
			Impact:      "review unavailable from the start",
			Mitigation:  MitigationMarkPartial,
			Level:       session.DegradationMinimal,
			UserMessage: "The reviewer agent could not be started; results will be unreviewed.",
		},
	},
}

// defaultRule applies when no (code, role) rule exists: the role is lost
// and the session continues in a reduced state.
var defaultRule = DegradationRule{
	Impact:      "agent unavailable",
	Mitigation:  MitigationMarkPartial,
	Level:       session.DegradationReduced,
	UserMessage: "An agent became unavailable; results may be partial.",
}

// RuleFor looks up the degradation rule for a failed agent.
func RuleFor(code models.ErrorCode, role models.Role) DegradationRule {
	if byRole, ok := degradationRules[code]; ok {
		if rule, ok := byRole[role]; ok {
			return rule
		}
	}
	return defaultRule
}

// ApplyDegradation records the rule's effect on the session and reports
// whether the workflow can continue.
func ApplyDegradation(sess *session.Session, code models.ErrorCode, role models.Role) bool {
	rule := RuleFor(code, role)
	warning := fmt.Sprintf("%s: %s", rule.Impact, rule.UserMessage)
	sess.Degrade(rule.Level, []models.Role{role}, nil, warning)
	return rule.Mitigation != MitigationFailSession
}

// CanContinueWorkflow reports whether the session's degradation state
// still permits progress.
func CanContinueWorkflow(sess *session.Session) bool {
	return sess.Degradation().Level != session.DegradationFailed
}
