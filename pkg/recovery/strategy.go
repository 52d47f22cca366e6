package recovery

import "github.com/codeready-toolchain/swarm/pkg/models"

// StrategyKind is the tagged variant of recovery strategies.
type StrategyKind string

const (
	StrategyRetry      StrategyKind = "retry"
	StrategyRestart    StrategyKind = "restart"
	StrategySkip       StrategyKind = "skip"
	StrategySubstitute StrategyKind = "substitute"
	StrategyRollback   StrategyKind = "rollback"
	StrategyEscalate   StrategyKind = "escalate"
	StrategyAbort      StrategyKind = "abort"
)

// ActionKind is the tagged variant of plan actions.
type ActionKind string

const (
	ActionWait    ActionKind = "wait"
	ActionExecute ActionKind = "execute"
	ActionNotify  ActionKind = "notify"
	ActionLog     ActionKind = "log"
	ActionCleanup ActionKind = "cleanup"
)

// Plan is the selected response to an error code: a primary strategy with
// a bounded attempt budget, an ordered action list, and an optional
// fallback once the primary exhausts.
type Plan struct {
	Strategy    StrategyKind
	MaxAttempts int
	Actions     []ActionKind
	Fallback    *Plan
}

// strategyTable maps error codes to plans. Codes absent from the table
// escalate by default.
var strategyTable = map[models.ErrorCode]*Plan{
	models.CodeAgentTimeout: {
		Strategy:    StrategyRetry,
		MaxAttempts: 2,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategyRestart,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionCleanup, ActionExecute},
		},
	},
	models.CodeAgentCrashed: {
		Strategy:    StrategyRestart,
		MaxAttempts: 2,
		Actions:     []ActionKind{ActionLog, ActionCleanup, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategySkip,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionNotify},
		},
	},
	models.CodeAgentSpawnFailed: {
		Strategy:    StrategyRetry,
		MaxAttempts: 2,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategyAbort,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionNotify, ActionCleanup},
		},
	},
	models.CodeAgentBlocked: {
		Strategy:    StrategyEscalate,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog, ActionNotify},
	},
	models.CodeAgentInvalidOutput: {
		Strategy:    StrategySkip,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog},
	},
	models.CodeRateLimited: {
		Strategy:    StrategyRetry,
		MaxAttempts: 5,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
	},
	models.CodeRoutingFailed: {
		Strategy:    StrategyRetry,
		MaxAttempts: 3,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategySkip,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog},
		},
	},
	models.CodeTmuxSessionFailed: {
		Strategy:    StrategyRetry,
		MaxAttempts: 2,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategyAbort,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionCleanup},
		},
	},
	models.CodeGitWorktreeFailed: {
		Strategy:    StrategyRollback,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog, ActionCleanup},
		Fallback: &Plan{
			Strategy:    StrategyAbort,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionCleanup},
		},
	},
	models.CodeDatabaseError: {
		Strategy:    StrategyRetry,
		MaxAttempts: 3,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
	},
	models.CodeNetworkError: {
		Strategy:    StrategyRetry,
		MaxAttempts: 3,
		Actions:     []ActionKind{ActionLog, ActionWait, ActionExecute},
	},
	models.CodeWorkflowTimeout: {
		Strategy:    StrategyAbort,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog, ActionNotify, ActionCleanup},
	},
	models.CodeMaxIterations: {
		Strategy:    StrategySkip,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog},
	},
	models.CodeStageFailed: {
		Strategy:    StrategyRetry,
		MaxAttempts: 1,
		Actions:     []ActionKind{ActionLog, ActionExecute},
		Fallback: &Plan{
			Strategy:    StrategySkip,
			MaxAttempts: 1,
			Actions:     []ActionKind{ActionLog, ActionNotify},
		},
	},
}

// defaultPlan escalates unknown codes to the operator.
var defaultPlan = &Plan{
	Strategy:    StrategyEscalate,
	MaxAttempts: 1,
	Actions:     []ActionKind{ActionLog, ActionNotify},
}

// SelectPlan returns the plan for an error code.
func SelectPlan(code models.ErrorCode) *Plan {
	if plan, ok := strategyTable[code]; ok {
		return plan
	}
	return defaultPlan
}
