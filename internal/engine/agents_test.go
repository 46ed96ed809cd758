package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/policy"
)

func TestRegisterAgentTakesPolicyDefaults(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(t, "agent-1")
	assert.Equal(t, domain.AgentActive, a.Status)
	assert.InDelta(t, 10.0, a.BudgetDaily, 1e-9)
	assert.InDelta(t, 2.0, a.BudgetPerRun, 1e-9)

	_, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentOptions{ID: "agent-1"})
	assert.ErrorIs(t, err, engine.ErrAlreadyExists)

	unlimited := 0.0
	b, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentOptions{ID: "agent-2", BudgetDaily: &unlimited})
	require.NoError(t, err)
	assert.Zero(t, b.BudgetDaily)

	list, err := env.Engine.ListAgents(env.Ctx, domain.AgentActive)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestHeartbeatReturnsWorkQueue(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	mine := env.task(t, "mine")
	env.claim(t, mine.ID, "agent-1")
	blocker := env.task(t, "blocker")
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "waiting", DependsOn: []string{blocker.ID}, ActorID: "alice"})
	require.NoError(t, err)

	hb, err := env.Engine.Heartbeat(env.Ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, hb.PendingTasks, 1)
	assert.Equal(t, mine.ID, hb.PendingTasks[0].ID)
	require.Len(t, hb.ClaimableTasks, 1)
	assert.Equal(t, blocker.ID, hb.ClaimableTasks[0].ID)
	assert.NotEmpty(t, hb.PendingNotifications)
	require.NotNil(t, hb.Agent.LastHeartbeatAt)

	again, err := env.Engine.Heartbeat(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, again.PendingNotifications)
	assert.Equal(t, hb.Agent.NotificationCursor, again.Agent.NotificationCursor)
}

func TestHeartbeatDropsFinishedTasks(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	done := env.task(t, "done")
	open := env.task(t, "open")
	env.claim(t, done.ID, "agent-1")
	env.claim(t, open.ID, "agent-1")
	for _, step := range []engine.TransitionRequest{
		{To: domain.StatusInProgress, ActorType: domain.ActorAgent, ActorID: "agent-1", Artifacts: domain.Artifacts{WorkPlan: "p"}},
		{To: domain.StatusReview, ActorType: domain.ActorAgent, ActorID: "agent-1", Artifacts: domain.Artifacts{Deliverable: "d", SelfReview: "s"}},
		{To: domain.StatusDone, ActorType: domain.ActorHuman, ActorID: "alice", Artifacts: domain.Artifacts{ApprovalRecord: "lgtm"}},
	} {
		step.TaskID, step.IdempotencyKey = done.ID, string(step.To)
		res := env.move(t, step)
		require.True(t, res.Success, "%s: %+v", step.To, res.Errors)
	}

	hb, err := env.Engine.Heartbeat(env.Ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, hb.PendingTasks, 1)
	assert.Equal(t, open.ID, hb.PendingTasks[0].ID)
}

func TestStaleAgentsGoOfflineAndReturnOnHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	env.advance(11 * time.Minute)

	ids, err := env.Engine.MarkStaleAgents(env.Ctx, env.now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, ids)
	a, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOffline, a.Status)

	hb, err := env.Engine.Heartbeat(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, hb.Agent.Status)

	ids, err = env.Engine.MarkStaleAgents(env.Ctx, env.now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestErrorStreakQuarantinesAgent(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	limit := policy.Default().LoopThresholds.MaxErrorStreak

	var a domain.Agent
	var err error
	for i := 0; i < limit-1; i++ {
		a, err = env.Engine.RecordRunOutcome(env.Ctx, "agent-1", false)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.AgentActive, a.Status)
	a, err = env.Engine.RecordRunOutcome(env.Ctx, "agent-1", true)
	require.NoError(t, err)
	assert.Zero(t, a.ErrorStreak)

	for i := 0; i < limit; i++ {
		a, err = env.Engine.RecordRunOutcome(env.Ctx, "agent-1", false)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.AgentQuarantined, a.Status)
	assert.Equal(t, limit, a.ErrorStreak)

	a, err = env.Engine.SetAgentStatus(env.Ctx, "agent-1", domain.AgentActive, "alice", "investigated")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, a.Status)
	assert.Zero(t, a.ErrorStreak)
}
