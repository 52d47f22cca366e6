package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

func researchInstance(t *testing.T) (*Engine, *State) {
	t.Helper()
	engine := NewEngine(researchTemplate())
	state := engine.NewInstance("1756000000000", "investigate rename atomicity")
	return engine, state
}

func outputMsg(id string, from models.Role, msgType models.MessageType, verdict string) *models.Message {
	m := &models.Message{
		ID:        id,
		Timestamp: models.NowTimestamp(),
		From:      from,
		To:        string(models.RoleOrchestrator),
		Type:      msgType,
		Priority:  models.PriorityNormal,
		Content:   models.MessageContent{Subject: "subject " + id, Body: "body"},
	}
	if verdict != "" {
		m.Content.Metadata = map[string]any{"verdict": verdict}
	}
	return m
}

// driveStage completes the current stage with one output message and
// applies every resulting decision, returning the decisions.
func driveStage(t *testing.T, engine *Engine, state *State, msg *models.Message) []RoutingDecision {
	t.Helper()
	decisions, err := engine.RouteMessage(state, msg)
	require.NoError(t, err)
	for _, d := range decisions {
		if d.Transition != nil {
			require.NoError(t, engine.ApplyTransition(state, d.Transition))
		}
	}
	state.MarkProcessed(msg.ID)
	return decisions
}

func TestNewInstanceDoesNotStartEntryStage(t *testing.T) {
	engine, state := researchInstance(t)
	assert.Equal(t, "initial_research", state.CurrentStage)
	assert.Empty(t, state.History)
	assert.Equal(t, 0, state.IterationCount("initial_research"))
	assert.False(t, engine.IsComplete(state))
}

func TestStartStageIncrementsIteration(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	assert.Equal(t, 1, state.IterationCount("initial_research"))
	require.Len(t, state.History, 1)
	assert.Equal(t, ExecutionRunning, state.History[0].Status)

	assert.ErrorIs(t, engine.StartStage(state, "nonexistent"), ErrUnknownStage)
}

func TestCompleteStageRequiresRunningExecution(t *testing.T) {
	engine, state := researchInstance(t)
	err := engine.CompleteStage(state, "initial_research", StageOutput{})
	assert.ErrorIs(t, err, ErrNoRunningStage)
}

func TestSkipStageOnlyOptional(t *testing.T) {
	engine := NewEngine(reviewTemplate())
	state := engine.NewInstance("1", "goal")
	assert.ErrorIs(t, engine.SkipStage(state, "review"), ErrStageNotOptional)
	require.NoError(t, engine.SkipStage(state, "rework"))
}

// The approve-first-time path: initial_research → verification(APPROVED) →
// synthesis, no deep dives.
func TestResearchApprovedFirstPass(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))

	driveStage(t, engine, state, outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""))
	assert.Equal(t, "verification", state.CurrentStage)

	driveStage(t, engine, state, outputMsg("m-2", models.RoleReviewer, models.MessageTypeReview, VerdictApproved))
	assert.Equal(t, "synthesis", state.CurrentStage)

	driveStage(t, engine, state, outputMsg("m-3", models.RoleResearcher, models.MessageTypeResult, ""))
	assert.True(t, engine.IsComplete(state))
	assert.Equal(t, 0, state.IterationCount("deep_dive"))
}

// Two NEEDS_REVISION rounds run deep_dive twice; the third revision demand
// hits the iteration cap and the engine substitutes the completion stage.
func TestResearchIterationCapRoutesToSynthesis(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))

	driveStage(t, engine, state, outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""))

	next := 2
	emit := func(from models.Role, msgType models.MessageType, verdict string) {
		driveStage(t, engine, state, outputMsg(fmt.Sprintf("m-%d", next), from, msgType, verdict))
		next++
	}

	// Round 1: verification demands revision.
	emit(models.RoleReviewer, models.MessageTypeReview, VerdictNeedsRevision)
	assert.Equal(t, "deep_dive", state.CurrentStage)
	emit(models.RoleResearcher, models.MessageTypeFinding, "")
	assert.Equal(t, "re_verification", state.CurrentStage)

	// Round 2.
	emit(models.RoleReviewer, models.MessageTypeReview, VerdictNeedsRevision)
	assert.Equal(t, "deep_dive", state.CurrentStage)
	assert.Equal(t, 2, state.IterationCount("deep_dive"))
	emit(models.RoleResearcher, models.MessageTypeFinding, "")

	// Round 3: the cap substitutes synthesis for a third deep dive.
	emit(models.RoleReviewer, models.MessageTypeReview, VerdictNeedsRevision)
	assert.Equal(t, "synthesis", state.CurrentStage)
	assert.Equal(t, 2, state.IterationCount("deep_dive"))

	emit(models.RoleResearcher, models.MessageTypeResult, "")
	assert.True(t, engine.IsComplete(state))

	// Iteration count never exceeds the declared maximum.
	deepDive, _ := engine.Template().StageByID("deep_dive")
	assert.LessOrEqual(t, state.IterationCount("deep_dive"), deepDive.MaxIterations)
}

func TestRouteMessageReplayIsIdempotent(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))

	msg := outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, "")
	driveStage(t, engine, state, msg)
	require.Equal(t, "verification", state.CurrentStage)

	replayed, err := engine.RouteMessage(state, msg)
	require.NoError(t, err)
	assert.Nil(t, replayed)
	assert.Equal(t, "verification", state.CurrentStage)
}

func TestRouteMessageBroadcastFansOutExceptSender(t *testing.T) {
	engine, state := researchInstance(t)
	msg := outputMsg("m-1", models.RoleResearcher, models.MessageTypeQuestion, "")
	msg.To = models.RecipientBroadcast

	decisions, err := engine.RouteMessage(state, msg)
	require.NoError(t, err)
	targets := make(map[models.Role]bool)
	for _, d := range decisions {
		targets[d.TargetRole] = true
	}
	assert.False(t, targets[models.RoleResearcher])
	assert.False(t, targets[models.RoleOrchestrator])
	assert.True(t, targets[models.RoleDeveloper])
	assert.True(t, targets[models.RoleReviewer])
	assert.True(t, targets[models.RoleArchitect])
}

func TestRouteMessageStatusPatchesAgent(t *testing.T) {
	engine, state := researchInstance(t)
	msg := outputMsg("m-1", models.RoleResearcher, models.MessageTypeStatus, "")
	msg.Content.Metadata = map[string]any{"status": "working"}

	decisions, err := engine.RouteMessage(state, msg)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].AgentPatch)
	assert.Equal(t, models.RoleResearcher, decisions[0].AgentPatch.Role)
	assert.Equal(t, models.AgentWorking, decisions[0].AgentPatch.Status)
}

func TestRouteMessageUnknownRecipientFails(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	msg := outputMsg("m-1", models.RoleReviewer, models.MessageTypeQuestion, "")
	msg.To = "nobody"

	_, err := engine.RouteMessage(state, msg)
	rec := models.AsErrorRecord(err, "", "")
	require.NotNil(t, rec)
	assert.Equal(t, models.CodeRoutingFailed, rec.Code)
}

func TestRouteMessageToOrchestratorYieldsNothing(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	msg := outputMsg("m-1", models.RoleReviewer, models.MessageTypeQuestion, "")

	decisions, err := engine.RouteMessage(state, msg)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

// countTemplate branches on a numeric counter carried in the stage-output
// message metadata: enough issues route to a fix stage, otherwise straight
// to wrap-up.
func countTemplate() *Template {
	return &Template{
		Name:  "triage",
		Roles: []models.Role{models.RoleResearcher, models.RoleDeveloper},
		Stages: []Stage{
			{ID: "scan", Role: models.RoleResearcher, ProducesType: models.MessageTypeFinding, MaxIterations: 3},
			{ID: "fix", Role: models.RoleDeveloper, ProducesType: models.MessageTypeResult, MaxIterations: 3},
			{ID: "wrap", Role: models.RoleResearcher, ProducesType: models.MessageTypeResult, MaxIterations: 1},
		},
		Transitions: []Transition{
			{From: "scan", To: "fix", Guard: Guard{Kind: GuardOnCount, Field: "issues", Threshold: 2}},
			{From: "scan", To: "wrap", Guard: Guard{Kind: GuardAlways}},
		},
		EntryStage:      "scan",
		CompletionStage: "wrap",
	}
}

func TestCountGuardFiresOnMessageCounters(t *testing.T) {
	engine := NewEngine(countTemplate())
	state := engine.NewInstance("1", "goal")
	require.NoError(t, engine.StartStage(state, "scan"))

	msg := outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, "")
	// Decoded JSON numbers arrive as float64.
	msg.Content.Metadata = map[string]any{"counts": map[string]any{"issues": float64(3)}}

	driveStage(t, engine, state, msg)
	assert.Equal(t, "fix", state.CurrentStage)

	exec := state.History[0]
	require.NotNil(t, exec.Output)
	assert.Equal(t, 3, exec.Output.Counts["issues"])
}

func TestCountGuardFallsThroughBelowThreshold(t *testing.T) {
	engine := NewEngine(countTemplate())
	state := engine.NewInstance("1", "goal")
	require.NoError(t, engine.StartStage(state, "scan"))

	msg := outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, "")
	msg.Content.Metadata = map[string]any{"counts": map[string]any{"issues": 1}}

	driveStage(t, engine, state, msg)
	assert.Equal(t, "wrap", state.CurrentStage)
}

func TestCountGuardWithoutCountersFallsThrough(t *testing.T) {
	engine := NewEngine(countTemplate())
	state := engine.NewInstance("1", "goal")
	require.NoError(t, engine.StartStage(state, "scan"))

	driveStage(t, engine, state, outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""))
	assert.Equal(t, "wrap", state.CurrentStage)
}

func TestProgressBounds(t *testing.T) {
	engine, state := researchInstance(t)
	assert.Equal(t, 0, engine.Progress(state))

	require.NoError(t, engine.StartStage(state, "initial_research"))
	require.NoError(t, engine.CompleteStage(state, "initial_research", StageOutput{}))
	p := engine.Progress(state)
	assert.Greater(t, p, 0)
	assert.LessOrEqual(t, p, 100)
}

func TestPendingStages(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	require.NoError(t, engine.CompleteStage(state, "initial_research", StageOutput{}))

	pending := engine.PendingStages(state)
	assert.NotContains(t, pending, "initial_research")
	assert.Contains(t, pending, "synthesis")
}

func TestSynthesizeRequiresCompletion(t *testing.T) {
	engine, state := researchInstance(t)
	_, err := engine.Synthesize(state, nil)
	assert.ErrorIs(t, err, ErrNotComplete)
}

func TestSynthesizeCollectsArtifactsAndFindings(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	driveStage(t, engine, state, outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""))
	driveStage(t, engine, state, outputMsg("m-2", models.RoleReviewer, models.MessageTypeReview, VerdictApproved))
	driveStage(t, engine, state, outputMsg("m-3", models.RoleResearcher, models.MessageTypeResult, ""))

	history := []models.Message{
		*outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""),
		*outputMsg("m-3", models.RoleResearcher, models.MessageTypeResult, ""),
	}
	history[1].Content.Attachments = []string{"outputs/report.md"}

	result, err := engine.Synthesize(state, history)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Summary, "workflow=research")
	assert.Contains(t, result.Artifacts, "outputs/report.md")
	assert.Contains(t, result.Findings, "subject m-1")
}

func TestSynthesizeFatalErrorMeansFailure(t *testing.T) {
	engine, state := researchInstance(t)
	require.NoError(t, engine.StartStage(state, "initial_research"))
	driveStage(t, engine, state, outputMsg("m-1", models.RoleResearcher, models.MessageTypeFinding, ""))
	driveStage(t, engine, state, outputMsg("m-2", models.RoleReviewer, models.MessageTypeReview, VerdictApproved))
	driveStage(t, engine, state, outputMsg("m-3", models.RoleResearcher, models.MessageTypeResult, ""))

	state.Errors = append(state.Errors,
		models.NewError(models.CodeFilesystemError, "bus", "disk gone"))
	result, err := engine.Synthesize(state, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
}
