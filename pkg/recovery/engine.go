package recovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
)

// OutcomeKind is what the controller must do after recovery ran.
type OutcomeKind string

const (
	// OutcomeRecovered means the failed operation succeeded on retry;
	// nothing further to do.
	OutcomeRecovered OutcomeKind = "recovered"
	// OutcomeRestartAgent asks the controller to kill and respawn the
	// named agent, resuming its conversation.
	OutcomeRestartAgent OutcomeKind = "restart_agent"
	// OutcomeSkipStage asks the monitor to skip the current stage and
	// continue degraded.
	OutcomeSkipStage OutcomeKind = "skip_stage"
	// OutcomeContinueDegraded means the agent is lost but the workflow
	// proceeds without it.
	OutcomeContinueDegraded OutcomeKind = "continue_degraded"
	// OutcomeEscalate surfaces the error to the operator and pauses
	// automatic recovery for it.
	OutcomeEscalate OutcomeKind = "escalate"
	// OutcomeTerminate ends the session as failed.
	OutcomeTerminate OutcomeKind = "terminate"
)

// Outcome is the recovery engine's verdict on one error.
type Outcome struct {
	Kind      OutcomeKind
	Role      models.Role
	Strategy  StrategyKind
	Recovered bool
	Message   string
}

// Operation is a retryable closure the engine can re-run during recovery.
// Callers register the failed operation alongside the error so the retry
// strategy has something to execute.
type Operation func(ctx context.Context) error

// Fallback budget caps used when the configuration leaves them unset.
const (
	defaultMaxAttemptsPerAgent   = 3
	defaultMaxAttemptsPerSession = 10
)

// Engine decides and executes recovery for reported errors. It snapshots
// the session before destructive strategies and records every attempt in
// the audit store.
type Engine struct {
	policy       RetryPolicy
	checkpointer *Checkpointer
	store        *audit.Store

	maxPerAgent   int
	maxPerSession int
	allowPartial  bool

	mu            sync.Mutex
	agentAttempts map[models.Role]int
	totalAttempts int
}

// NewEngine builds a recovery engine from the retry policy and the
// attempt-budget limits.
func NewEngine(retry config.RetryConfig, limits config.RecoveryConfig, checkpointer *Checkpointer, store *audit.Store) *Engine {
	if limits.MaxAttemptsPerAgent < 1 {
		limits.MaxAttemptsPerAgent = defaultMaxAttemptsPerAgent
	}
	if limits.MaxAttemptsPerSession < 1 {
		limits.MaxAttemptsPerSession = defaultMaxAttemptsPerSession
	}
	return &Engine{
		policy:        PolicyFromConfig(retry),
		checkpointer:  checkpointer,
		store:         store,
		maxPerAgent:   limits.MaxAttemptsPerAgent,
		maxPerSession: limits.MaxAttemptsPerSession,
		allowPartial:  limits.AllowPartial,
		agentAttempts: make(map[models.Role]int),
	}
}

// AllowPartial reports whether degraded continuation is permitted.
func (e *Engine) AllowPartial() bool { return e.allowPartial }

// budget reserves one recovery attempt, or reports exhaustion.
func (e *Engine) budget(role models.Role) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.totalAttempts >= e.maxPerSession {
		return false
	}
	if role != "" && models.IsAgentRole(role) && e.agentAttempts[role] >= e.maxPerAgent {
		return false
	}
	e.totalAttempts++
	if role != "" && models.IsAgentRole(role) {
		e.agentAttempts[role]++
	}
	return true
}

// Attempts reports the per-agent and total recovery attempt counts.
func (e *Engine) Attempts() (perAgent map[models.Role]int, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	perAgent = make(map[models.Role]int, len(e.agentAttempts))
	for r, n := range e.agentAttempts {
		perAgent[r] = n
	}
	return perAgent, e.totalAttempts
}

// ExecuteRecovery runs the selected strategy for one error record. op is
// the failed operation for retry strategies; it may be nil, in which case
// retry degrades to the plan's fallback.
func (e *Engine) ExecuteRecovery(ctx context.Context, sess *session.Session, rec *models.ErrorRecord, op Operation) Outcome {
	log := slog.With("sessionId", sess.ID, "code", rec.Code, "role", rec.Role)

	if !e.budget(rec.Role) {
		log.Error("Recovery attempt budget exhausted")
		e.markRecovered(ctx, rec, "abort", false)
		return Outcome{Kind: OutcomeTerminate, Role: rec.Role, Strategy: StrategyAbort,
			Message: "recovery attempt budget exhausted"}
	}

	// Snapshot before anything destructive so a failed recovery can still
	// resume from known-good state.
	if e.checkpointer != nil {
		if _, err := e.checkpointer.CaptureAndSave(ctx, sess, nil, CheckpointPreRecovery,
			"recovery-engine", string(rec.Code)); err != nil {
			log.Warn("Pre-recovery checkpoint failed", "error", err)
		}
	}

	plan := SelectPlan(rec.Code)
	outcome := e.runPlan(ctx, sess, rec, plan, op, log)
	e.markRecovered(ctx, rec, string(outcome.Strategy), outcome.Recovered)
	return outcome
}

func (e *Engine) runPlan(ctx context.Context, sess *session.Session, rec *models.ErrorRecord, plan *Plan, op Operation, log *slog.Logger) Outcome {
	log.Info("Executing recovery strategy", "strategy", plan.Strategy, "maxAttempts", plan.MaxAttempts)

	switch plan.Strategy {
	case StrategyRetry:
		if op != nil {
			policy := e.policy
			policy.MaxRetries = plan.MaxAttempts
			policy.RetryableCodes = map[models.ErrorCode]bool{rec.Code: true}
			if rec.Code == models.CodeRateLimited {
				policy = RateLimitPolicy(e.policy)
			}
			if err := policy.Do(ctx, string(rec.Code), op); err == nil {
				return Outcome{Kind: OutcomeRecovered, Role: rec.Role,
					Strategy: StrategyRetry, Recovered: true}
			}
		}
		return e.fallback(ctx, sess, rec, plan, op, log)

	case StrategyRestart:
		// Restart is executed by the controller, which owns pane and
		// worktree lifecycles. The engine only authorises it.
		return Outcome{Kind: OutcomeRestartAgent, Role: rec.Role,
			Strategy: StrategyRestart, Recovered: true,
			Message: "restart authorised, conversation will be resumed"}

	case StrategySkip, StrategySubstitute:
		if rec.Role != "" {
			if !ApplyDegradation(sess, rec.Code, rec.Role) {
				return Outcome{Kind: OutcomeTerminate, Role: rec.Role,
					Strategy: plan.Strategy,
					Message:  "degradation rule marks the role essential"}
			}
			if !e.allowPartial {
				return Outcome{Kind: OutcomeTerminate, Role: rec.Role,
					Strategy: plan.Strategy,
					Message:  "partial results are disabled"}
			}
		}
		return Outcome{Kind: OutcomeSkipStage, Role: rec.Role,
			Strategy: plan.Strategy, Recovered: true,
			Message: "stage skipped, continuing degraded"}

	case StrategyRollback:
		// Rollback actions (worktree removal, pane cleanup) also run in
		// the controller; authorising rollback implies the work restarts.
		return Outcome{Kind: OutcomeContinueDegraded, Role: rec.Role,
			Strategy: StrategyRollback, Recovered: true,
			Message: "partial state rolled back"}

	case StrategyEscalate:
		return Outcome{Kind: OutcomeEscalate, Role: rec.Role,
			Strategy: StrategyEscalate,
			Message: "operator attention required: " + rec.Message}

	case StrategyAbort:
		return Outcome{Kind: OutcomeTerminate, Role: rec.Role,
			Strategy: StrategyAbort, Message: rec.Message}
	}

	return Outcome{Kind: OutcomeEscalate, Role: rec.Role,
		Strategy: StrategyEscalate, Message: "no strategy for " + string(rec.Code)}
}

func (e *Engine) fallback(ctx context.Context, sess *session.Session, rec *models.ErrorRecord, plan *Plan, op Operation, log *slog.Logger) Outcome {
	if plan.Fallback == nil {
		return Outcome{Kind: OutcomeEscalate, Role: rec.Role,
			Strategy: plan.Strategy, Message: "primary strategy exhausted"}
	}
	log.Warn("Primary recovery strategy exhausted, trying fallback",
		"primary", plan.Strategy, "fallback", plan.Fallback.Strategy)
	return e.runPlan(ctx, sess, rec, plan.Fallback, op, log)
}

// markRecovered flips the audit row's recovered flag exactly when the
// outcome succeeded.
func (e *Engine) markRecovered(ctx context.Context, rec *models.ErrorRecord, strategy string, recovered bool) {
	if e.store == nil || rec.ID == "" {
		return
	}
	if err := e.store.MarkErrorRecovered(ctx, rec.ID, strategy, recovered); err != nil {
		slog.Warn("Failed to update error recovery status", "errorId", rec.ID, "error", err)
	}
}
