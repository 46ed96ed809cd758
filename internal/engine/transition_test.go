package engine_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/policy"
)

func TestHappyPathKeepsLedgerAndStatusInStep(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "ship it")

	steps := []engine.TransitionRequest{
		{To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
			Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}}},
		{To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
			Artifacts: domain.Artifacts{WorkPlan: "1. write code"}},
		{To: domain.StatusReview, ActorType: domain.ActorAgent, ActorID: "agent-1",
			Artifacts: domain.Artifacts{Deliverable: "PR #1", SelfReview: "tests pass"}},
		{To: domain.StatusDone, ActorType: domain.ActorHuman, ActorID: "alice",
			Artifacts: domain.Artifacts{ApprovalRecord: "LGTM"}},
	}
	for i, step := range steps {
		step.TaskID = task.ID
		step.IdempotencyKey = string(step.To)
		res := env.move(t, step)
		require.True(t, res.Success, "step %d: %+v", i, res.Errors)
		assert.Equal(t, domain.CodeOK, res.Code)

		got, err := env.Engine.GetTask(env.Ctx, task.ID)
		require.NoError(t, err)
		history, err := env.Engine.History(env.Ctx, task.ID)
		require.NoError(t, err)
		require.Len(t, history, i+1)
		assert.Equal(t, got.Status, history[i].ToStatus)
		assert.Equal(t, step.To, got.Status)
	}

	done, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "1. write code", done.WorkPlan)
	assert.Equal(t, "PR #1", done.Deliverable)
	assert.Equal(t, "LGTM", done.ApprovalRecord)
	assert.Equal(t, []string{"agent-1"}, done.AssigneeIDs)
	require.NotNil(t, done.CompletedAt)

	reopened := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusReview, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "reopen",
	})
	require.True(t, reopened.Success)
	assert.Nil(t, reopened.Task.CompletedAt)
	assert.Equal(t, 1, reopened.Task.ReviewCycles)
}

func TestMissingArtifactsReportedTogether(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "x")
	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusAssigned, ActorType: domain.ActorHuman, ActorID: "alice",
		IdempotencyKey: "k1", Artifacts: domain.Artifacts{AssigneeIDs: []string{"  "}},
	})
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeMissingArtifact, res.Code)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.ArtifactAssigneeIDs, res.Errors[0].Artifact)

	history, err := env.Engine.History(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestReviewNeedsDeliverableAndSelfReview(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	env.claim(t, task.ID, "agent-1")
	env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", Artifacts: domain.Artifacts{WorkPlan: "plan"},
	})

	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusReview, ActorType: domain.ActorAgent, ActorID: "agent-1", IdempotencyKey: "review",
	})
	assert.Equal(t, domain.CodeMissingArtifact, res.Code)
	assert.Len(t, res.Errors, 2)
	assert.Equal(t, domain.StatusInProgress, res.Task.Status)
}

func TestInvalidTransitionListsAllowedMoves(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "x")
	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusDone, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "k",
		Artifacts: domain.Artifacts{ApprovalRecord: "ok"},
	})
	assert.Equal(t, domain.CodeInvalidTransition, res.Code)
	assert.Equal(t, []domain.Status{domain.StatusAssigned, domain.StatusBlocked, domain.StatusCanceled}, res.AllowedTransitions)

	missing := env.move(t, engine.TransitionRequest{
		TaskID: "ghost", To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "k2",
		ExpectedFrom: domain.StatusInbox,
	})
	assert.Equal(t, domain.CodeNotFound, missing.Code)
}

func TestOnlyHumansCloseReview(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	env.claim(t, task.ID, "agent-1")
	for _, step := range []engine.TransitionRequest{
		{To: domain.StatusInProgress, Artifacts: domain.Artifacts{WorkPlan: "p"}},
		{To: domain.StatusReview, Artifacts: domain.Artifacts{Deliverable: "d", SelfReview: "s"}},
	} {
		step.TaskID, step.ActorType, step.ActorID, step.IdempotencyKey = task.ID, domain.ActorAgent, "agent-1", string(step.To)
		require.True(t, env.move(t, step).Success)
	}

	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusDone, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "done", Artifacts: domain.Artifacts{ApprovalRecord: "self"},
	})
	assert.Equal(t, domain.CodeActorNotPermitted, res.Code)

	res = env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusDone, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "done-2",
	})
	assert.Equal(t, domain.CodeMissingArtifact, res.Code)
	assert.Equal(t, domain.StatusReview, res.Task.Status)
}

func TestIdempotencyReplayAndConflict(t *testing.T) {
	env := newTestEnv(t)
	a := env.task(t, "a")
	b := env.task(t, "b")
	req := engine.TransitionRequest{
		TaskID: a.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice",
		IdempotencyKey: "same-key", Reason: "waiting on vendor",
	}
	first := env.move(t, req)
	require.True(t, first.Success)
	assert.False(t, first.Replayed)

	second := env.move(t, req)
	assert.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, domain.CodeIdempotencyReplay, second.Code)
	assert.Equal(t, first.Transition.ID, second.Transition.ID)

	history, err := env.Engine.History(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	req.TaskID = b.ID
	conflict := env.move(t, req)
	assert.False(t, conflict.Success)
	assert.Equal(t, domain.CodeIdempotencyConflict, conflict.Code)
	got, err := env.Engine.GetTask(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInbox, got.Status)
}

func TestTransitionRequiresKeyAndActor(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "x")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: domain.StatusBlocked, ActorType: "ROBOT", ActorID: "r", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "k", ExpectedFrom: domain.StatusInbox, CostUSD: -1})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "k", ExpectedFrom: "LIMBO"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	history, err := env.Engine.History(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStaleViewCannotCancelStartedTask(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	env.claim(t, task.ID, "agent-1")

	// both callers read the task while it is ASSIGNED
	agentView, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	humanView, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)

	start, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", ExpectedFrom: agentView.Status, Artifacts: domain.Artifacts{WorkPlan: "p"},
	})
	require.NoError(t, err)
	require.True(t, start.Success, "%+v", start.Errors)

	cancel, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusCanceled, ActorType: domain.ActorHuman, ActorID: "alice",
		IdempotencyKey: "cancel", ExpectedFrom: humanView.Status,
	})
	require.NoError(t, err)
	assert.False(t, cancel.Success)
	assert.Equal(t, domain.CodeInvalidTransition, cancel.Code)
	assert.Equal(t, domain.StatusInProgress, cancel.Task.Status)

	history, err := env.Engine.History(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAssignExpectsInbox(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "x")
	env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusBlocked, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "park",
	})

	res, err := env.Engine.Assign(env.Ctx, engine.AssignRequest{
		TaskID: task.ID, AgentIDs: []string{"agent-1"}, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "a1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CodeInvalidTransition, res.Code)

	res, err = env.Engine.Assign(env.Ctx, engine.AssignRequest{
		TaskID: task.ID, AgentIDs: []string{"agent-1"}, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "a2",
		ExpectedFrom: domain.StatusBlocked,
	})
	require.NoError(t, err)
	assert.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, domain.StatusAssigned, res.Task.Status)
}

func TestConcurrentMovesFromSameStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "race")
	res, err := env.Engine.Assign(env.Ctx, engine.AssignRequest{
		TaskID: task.ID, AgentIDs: []string{"agent-1"}, ActorType: domain.ActorHuman, ActorID: "alice", IdempotencyKey: "assign",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	reqs := []engine.TransitionRequest{
		{TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorHuman, ActorID: "alice",
			IdempotencyKey: "start", ExpectedFrom: domain.StatusAssigned, Artifacts: domain.Artifacts{WorkPlan: "go"}},
		{TaskID: task.ID, To: domain.StatusCanceled, ActorType: domain.ActorHuman, ActorID: "bob",
			IdempotencyKey: "cancel", ExpectedFrom: domain.StatusAssigned},
	}
	results := make([]engine.TransitionResult, len(reqs))
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.Transition(env.Ctx, reqs[i])
		}(i)
	}
	wg.Wait()

	won := 0
	for i, r := range results {
		require.NoError(t, errs[i])
		if r.Success {
			won++
		} else {
			assert.Equal(t, domain.CodeInvalidTransition, r.Code)
		}
	}
	assert.Equal(t, 1, won)
	history, err := env.Engine.History(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAgentRegistryGatesTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	claimed := env.task(t, "claimed")
	env.claim(t, claimed.ID, "agent-1")
	fresh := env.task(t, "fresh")

	_, err := env.Engine.SetAgentStatus(env.Ctx, "agent-1", domain.AgentDrained, "alice", "wind down")
	require.NoError(t, err)
	res := env.move(t, engine.TransitionRequest{
		TaskID: fresh.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "claim-fresh", Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}},
	})
	assert.Equal(t, domain.CodeActorNotPermitted, res.Code)

	res = env.move(t, engine.TransitionRequest{
		TaskID: claimed.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", Artifacts: domain.Artifacts{WorkPlan: "finish up"},
	})
	assert.True(t, res.Success)

	_, err = env.Engine.SetAgentStatus(env.Ctx, "agent-1", domain.AgentPaused, "alice", "")
	require.NoError(t, err)
	res = env.move(t, engine.TransitionRequest{
		TaskID: claimed.ID, To: domain.StatusBlocked, ActorType: domain.ActorAgent, ActorID: "agent-1", IdempotencyKey: "block",
	})
	assert.Equal(t, domain.CodeActorNotPermitted, res.Code)

	res = env.move(t, engine.TransitionRequest{
		TaskID: fresh.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "stranger",
		IdempotencyKey: "stranger", Artifacts: domain.Artifacts{AssigneeIDs: []string{"stranger"}},
	})
	assert.Equal(t, domain.CodeActorNotPermitted, res.Code)
}

func TestPolicyDenyLeavesTaskUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "k", Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}},
		Tool: &policy.ToolInvocation{Tool: "shell", Shell: true, Command: "rm -rf /"},
	})
	assert.Equal(t, domain.CodePolicyDenied, res.Code)
	require.NotNil(t, res.Decision)
	assert.Equal(t, "shellBlocklist", res.Decision.Rule)
	assert.Equal(t, domain.StatusInbox, res.Task.Status)
}

func TestTransitionChargesAgentAndTask(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	env.claim(t, task.ID, "agent-1")

	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", Artifacts: domain.Artifacts{WorkPlan: "p"}, CostUSD: 1.5, RunID: "run-1",
	})
	require.True(t, res.Success, "%+v", res.Errors)
	require.NotNil(t, res.BudgetRemaining)
	assert.InDelta(t, 8.5, *res.BudgetRemaining, 1e-9)
	assert.InDelta(t, 3.5, res.Task.BudgetRemaining, 1e-9)
	assert.InDelta(t, 1.5, res.Transition.CostUSD, 1e-9)

	agent, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, agent.SpendToday, 1e-9)

	entries, err := env.Engine.SpendHistory(env.Ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].TransitionID)
	assert.Equal(t, res.Transition.ID, *entries[0].TransitionID)
	require.NotNil(t, entries[0].RunID)
	assert.Equal(t, "run-1", *entries[0].RunID)
}

func TestBudgetExceededIsSoftFailure(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	task := env.task(t, "x")
	env.claim(t, task.ID, "agent-1")

	// over the default per-run cap of 2
	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", Artifacts: domain.Artifacts{WorkPlan: "p"}, CostUSD: 3,
	})
	assert.False(t, res.Success)
	assert.Equal(t, domain.CodeBudgetExceeded, res.Code)
	require.NotNil(t, res.BudgetRemaining)
	assert.InDelta(t, 10.0, *res.BudgetRemaining, 1e-9)
	assert.Equal(t, domain.StatusAssigned, res.Task.Status)

	agent, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, agent.SpendToday)
}

func TestTaskBudgetCapsTransitionCost(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	small := 1.0
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "cheap", BudgetUSD: &small, ActorID: "alice"})
	require.NoError(t, err)
	env.claim(t, task.ID, "agent-1")

	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "start", Artifacts: domain.Artifacts{WorkPlan: "p"}, CostUSD: 1.5,
	})
	assert.Equal(t, domain.CodeBudgetExceeded, res.Code)
	require.NotNil(t, res.BudgetRemaining)
	assert.InDelta(t, 1.0, *res.BudgetRemaining, 1e-9)
}
