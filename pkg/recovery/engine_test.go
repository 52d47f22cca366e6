package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/session"
)

func fastRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterPercent:     0,
	}
}

func testLimits() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxAttemptsPerAgent:   3,
		MaxAttemptsPerSession: 10,
		AllowPartial:          true,
	}
}

func newTestEngine() (*Engine, *session.Session) {
	return NewEngine(fastRetryConfig(), testLimits(), nil, nil), session.New("1", "research", "goal")
}

func agentError(code models.ErrorCode, role models.Role) *models.ErrorRecord {
	rec := models.NewError(code, "monitor", "agent trouble", models.WithRole(role))
	return rec
}

func TestExecuteRecoveryRetrySucceeds(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeAgentTimeout, models.RoleResearcher)

	calls := 0
	outcome := e.ExecuteRecovery(context.Background(), sess, rec, func(context.Context) error {
		calls++
		if calls < 2 {
			return models.NewError(models.CodeAgentTimeout, "agent", "still stuck")
		}
		return nil
	})
	assert.Equal(t, OutcomeRecovered, outcome.Kind)
	assert.Equal(t, StrategyRetry, outcome.Strategy)
	assert.True(t, outcome.Recovered)
}

func TestExecuteRecoveryRetryExhaustedFallsBackToRestart(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeAgentTimeout, models.RoleResearcher)

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, func(context.Context) error {
		return models.NewError(models.CodeAgentTimeout, "agent", "still stuck")
	})
	assert.Equal(t, OutcomeRestartAgent, outcome.Kind)
	assert.Equal(t, StrategyRestart, outcome.Strategy)
}

func TestExecuteRecoveryNilOpSkipsStraightToFallback(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeAgentTimeout, models.RoleReviewer)

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, nil)
	assert.Equal(t, OutcomeRestartAgent, outcome.Kind)
}

func TestExecuteRecoveryCrashAuthorisesRestart(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeAgentCrashed, models.RoleReviewer)

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, nil)
	assert.Equal(t, OutcomeRestartAgent, outcome.Kind)
	assert.Equal(t, models.RoleReviewer, outcome.Role)
}

func TestExecuteRecoverySkipDegradesSession(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeMaxIterations, models.RoleReviewer)

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, nil)
	assert.Equal(t, OutcomeSkipStage, outcome.Kind)
	assert.NotEqual(t, session.DegradationFull, sess.Degradation().Level)
}

func TestExecuteRecoveryEscalatesBlockedAgents(t *testing.T) {
	e, sess := newTestEngine()
	rec := agentError(models.CodeAgentBlocked, models.RoleDeveloper)

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, nil)
	assert.Equal(t, OutcomeEscalate, outcome.Kind)
	assert.Contains(t, outcome.Message, "operator attention")
}

func TestExecuteRecoveryWorkflowTimeoutTerminates(t *testing.T) {
	e, sess := newTestEngine()
	rec := models.NewError(models.CodeWorkflowTimeout, "monitor", "deadline exceeded")

	outcome := e.ExecuteRecovery(context.Background(), sess, rec, nil)
	assert.Equal(t, OutcomeTerminate, outcome.Kind)
	assert.Equal(t, StrategyAbort, outcome.Strategy)
}

func TestPerAgentAttemptBudget(t *testing.T) {
	e, sess := newTestEngine()

	for i := 0; i < e.maxPerAgent; i++ {
		outcome := e.ExecuteRecovery(context.Background(), sess,
			agentError(models.CodeAgentCrashed, models.RoleReviewer), nil)
		require.Equal(t, OutcomeRestartAgent, outcome.Kind)
	}

	outcome := e.ExecuteRecovery(context.Background(), sess,
		agentError(models.CodeAgentCrashed, models.RoleReviewer), nil)
	assert.Equal(t, OutcomeTerminate, outcome.Kind)
	assert.Contains(t, outcome.Message, "budget exhausted")

	perAgent, total := e.Attempts()
	assert.Equal(t, e.maxPerAgent, perAgent[models.RoleReviewer])
	assert.Equal(t, e.maxPerAgent, total)
}

func TestPerSessionAttemptBudget(t *testing.T) {
	e, sess := newTestEngine()

	// Spread attempts across roles so no single agent cap trips first.
	roles := models.AgentRoles
	for i := 0; i < e.maxPerSession; i++ {
		role := roles[i%len(roles)]
		outcome := e.ExecuteRecovery(context.Background(), sess,
			agentError(models.CodeAgentCrashed, role), nil)
		require.NotEqual(t, OutcomeTerminate, outcome.Kind,
			fmt.Sprintf("attempt %d should still be within budget", i+1))
	}

	outcome := e.ExecuteRecovery(context.Background(), sess,
		agentError(models.CodeAgentCrashed, roles[0]), nil)
	assert.Equal(t, OutcomeTerminate, outcome.Kind)
}

func TestConfiguredBudgetsAreHonored(t *testing.T) {
	limits := config.RecoveryConfig{
		MaxAttemptsPerAgent:   1,
		MaxAttemptsPerSession: 5,
		AllowPartial:          true,
	}
	e := NewEngine(fastRetryConfig(), limits, nil, nil)
	sess := session.New("1", "research", "goal")

	outcome := e.ExecuteRecovery(context.Background(), sess,
		agentError(models.CodeAgentCrashed, models.RoleReviewer), nil)
	require.Equal(t, OutcomeRestartAgent, outcome.Kind)

	outcome = e.ExecuteRecovery(context.Background(), sess,
		agentError(models.CodeAgentCrashed, models.RoleReviewer), nil)
	assert.Equal(t, OutcomeTerminate, outcome.Kind)
	assert.Contains(t, outcome.Message, "budget exhausted")
}

func TestZeroLimitsFallBackToDefaults(t *testing.T) {
	e := NewEngine(fastRetryConfig(), config.RecoveryConfig{}, nil, nil)
	assert.Equal(t, defaultMaxAttemptsPerAgent, e.maxPerAgent)
	assert.Equal(t, defaultMaxAttemptsPerSession, e.maxPerSession)
}

func TestSkipRequiresAllowPartial(t *testing.T) {
	limits := testLimits()
	limits.AllowPartial = false
	e := NewEngine(fastRetryConfig(), limits, nil, nil)
	sess := session.New("1", "research", "goal")

	outcome := e.ExecuteRecovery(context.Background(), sess,
		agentError(models.CodeMaxIterations, models.RoleReviewer), nil)
	assert.Equal(t, OutcomeTerminate, outcome.Kind)
	assert.Contains(t, outcome.Message, "partial results")
}
