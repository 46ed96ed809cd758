package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")

	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) agent(t *testing.T, id string) domain.Agent {
	t.Helper()
	a, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentOptions{ID: id, ActorID: "alice"})
	require.NoError(t, err)
	return a
}

func (env *testEnv) task(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title, ActorID: "alice"})
	require.NoError(t, err)
	return task
}

// move runs a transition from the caller's current view of the task: a blank
// ExpectedFrom is read from the task first.
func (env *testEnv) move(t *testing.T, req engine.TransitionRequest) engine.TransitionResult {
	t.Helper()
	if req.ExpectedFrom == "" {
		if cur, err := env.Engine.GetTask(env.Ctx, req.TaskID); err == nil {
			req.ExpectedFrom = cur.Status
		}
	}
	res, err := env.Engine.Transition(env.Ctx, req)
	require.NoError(t, err)
	return res
}

// claim assigns the task to agentID on the agent's own behalf.
func (env *testEnv) claim(t *testing.T, taskID, agentID string) {
	t.Helper()
	res := env.move(t, engine.TransitionRequest{
		TaskID: taskID, To: domain.StatusAssigned,
		ActorType: domain.ActorAgent, ActorID: agentID,
		IdempotencyKey: "claim-" + taskID,
		Artifacts:      domain.Artifacts{AssigneeIDs: []string{agentID}},
	})
	require.True(t, res.Success, "claim: %+v", res.Errors)
}

func (env *testEnv) events(t *testing.T, evtType string) []domain.Event {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, repo.EventFilters{Type: evtType})
	require.NoError(t, err)
	return evts
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "  Write docs ")

	assert.Equal(t, "Write docs", task.Title)
	assert.Equal(t, domain.StatusInbox, task.Status)
	assert.Equal(t, domain.TaskEngineering, task.Type)
	assert.Equal(t, 3, task.Priority)
	assert.InDelta(t, 5.0, task.BudgetAllocated, 1e-9)
	assert.InDelta(t, 5.0, task.BudgetRemaining, 1e-9)
	assert.Equal(t, "alice", task.CreatedBy)
	assert.Len(t, env.events(t, "task.created"), 1)
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "", ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Priority: 7, ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Type: "GARDENING", ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ID: "t1", Title: "x", DependsOn: []string{"t1"}, ActorID: "alice"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", DependsOn: []string{"ghost"}, ActorID: "alice"})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", ParentID: "ghost", ActorID: "alice"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	b := env.task(t, "b")
	a, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "a", DependsOn: []string{b.ID}, ActorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, a.DependsOn)

	_, err = env.Engine.AddDependency(env.Ctx, b.ID, a.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrDependencyCycle)
	_, err = env.Engine.AddDependency(env.Ctx, a.ID, a.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrDependencyCycle)

	c := env.task(t, "c")
	b, err = env.Engine.AddDependency(env.Ctx, b.ID, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, b.DependsOn)
	_, err = env.Engine.AddDependency(env.Ctx, c.ID, a.ID, "alice")
	assert.ErrorIs(t, err, engine.ErrDependencyCycle)
	assert.Len(t, env.events(t, "task.dependency_added"), 1)
}

func TestListTasksFilters(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	a := env.task(t, "a")
	env.task(t, "b")
	env.claim(t, a.ID, "agent-1")

	inbox, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Status: domain.StatusInbox})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "b", inbox[0].Title)

	mine, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{AssigneeID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)
	assert.Equal(t, []string{"agent-1"}, mine[0].AssigneeIDs)
}

func TestCountTasksByStatus(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	a := env.task(t, "a")
	env.task(t, "b")
	env.task(t, "c")
	env.claim(t, a.ID, "agent-1")

	counts, err := env.Engine.Repo.CountTasksByStatus(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int{domain.StatusInbox: 2, domain.StatusAssigned: 1}, counts)
}
