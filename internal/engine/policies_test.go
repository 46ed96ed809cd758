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

func TestPolicyVersionsAndCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")

	strict := policy.Default()
	strict.TransitionRiskMap = map[string]domain.RiskLevel{policy.TransitionKey(domain.StatusInbox, domain.StatusAssigned): domain.RiskRed}
	v1, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyCreateOptions{
		Scope: string(domain.TaskEngineering), Document: strict, Activate: true, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	resolved, err := env.Engine.ActivePolicy(env.Ctx, string(domain.TaskEngineering))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, resolved.PolicyID)

	task := env.task(t, "x")
	res := env.move(t, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "claim-1", Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}},
	})
	require.Equal(t, domain.CodeApprovalRequired, res.Code)
	assert.Equal(t, env.now.Add(time.Hour).Format(time.RFC3339), res.Approval.ExpiresAt)

	v2, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyCreateOptions{
		Scope: string(domain.TaskEngineering), Document: policy.Default(), Activate: true, ActorID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	versions, err := env.Engine.ListPolicies(env.Ctx, string(domain.TaskEngineering))
	require.NoError(t, err)
	require.Len(t, versions, 2)
	active := 0
	for _, v := range versions {
		if v.Active {
			active++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, active)

	other := env.task(t, "y")
	res = env.move(t, engine.TransitionRequest{
		TaskID: other.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "claim-2", Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}},
	})
	assert.True(t, res.Success)

	_, err = env.Engine.ActivatePolicy(env.Ctx, v1.ID, "alice")
	require.NoError(t, err)
	resolved, err = env.Engine.ActivePolicy(env.Ctx, string(domain.TaskEngineering))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.Version)

	_, err = env.Engine.DeactivatePolicy(env.Ctx, v1.ID, "alice")
	require.NoError(t, err)
	resolved, err = env.Engine.ActivePolicy(env.Ctx, string(domain.TaskEngineering))
	require.NoError(t, err)
	assert.Empty(t, resolved.PolicyID)
}

func TestCreatePolicyValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyCreateOptions{Scope: "nowhere", Document: policy.Default(), ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	bad := policy.Default()
	bad.ApprovalCostFraction = 3
	_, err = env.Engine.CreatePolicy(env.Ctx, engine.PolicyCreateOptions{Document: bad, ActorID: "alice"})
	assert.Error(t, err)
}

func TestSpawnLimitsGateAgentSubtasks(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	doc := policy.Default()
	doc.SpawnLimits = policy.SpawnLimits{MaxDepth: 1, MaxChildren: 2}
	_, err := env.Engine.CreatePolicy(env.Ctx, engine.PolicyCreateOptions{Document: doc, Activate: true, ActorID: "alice"})
	require.NoError(t, err)

	root := env.task(t, "root")
	spawn := func(parent string) (domain.Task, error) {
		return env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			Title: "child", ParentID: parent, ActorType: domain.ActorAgent, ActorID: "agent-1",
		})
	}
	child, err := spawn(root.ID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentTaskID)
	assert.Equal(t, root.ID, *child.ParentTaskID)

	var denied engine.PolicyDeniedError
	_, err = spawn(child.ID)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "spawnLimits.maxDepth", denied.Rule)

	_, err = spawn(root.ID)
	require.NoError(t, err)
	_, err = spawn(root.ID)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "spawnLimits.maxChildren", denied.Rule)

	// humans are not subject to spawn limits
	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "extra", ParentID: root.ID, ActorID: "alice"})
	assert.NoError(t, err)
}

func TestEvaluateActionDryRun(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	d, err := env.Engine.EvaluateAction(env.Ctx, "", policy.Actor{Type: domain.ActorAgent, ID: "agent-1"}, policy.ToolInvocation{Tool: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, policy.RequiresApproval, d.Verdict)
	assert.Equal(t, domain.RiskRed, d.Risk)

	d, err = env.Engine.EvaluateAction(env.Ctx, "", policy.Actor{Type: domain.ActorAgent, ID: "agent-1"}, policy.ToolInvocation{Tool: "search", EstimatedCostUSD: 20})
	require.NoError(t, err)
	assert.Equal(t, "budget", d.Rule)

	_, err = env.Engine.EvaluateAction(env.Ctx, "", policy.Actor{Type: domain.ActorAgent}, nil)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}
