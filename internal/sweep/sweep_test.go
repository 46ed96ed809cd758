package sweep_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/config"
	"foreman/internal/db"
	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/migrate"
	"foreman/internal/policy"
	"foreman/internal/sweep"
)

func newEngine(t *testing.T, now *time.Time) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(conn, config.Default())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	eng.Now = func() time.Time { return *now }
	return eng
}

func TestRunOnceAppliesEveryJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	eng := newEngine(t, &now)

	_, err := eng.RegisterAgent(ctx, engine.AgentOptions{ID: "agent-1"})
	require.NoError(t, err)
	_, err = eng.RecordSpend(ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: 4})
	require.NoError(t, err)
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "x", ActorID: "alice"})
	require.NoError(t, err)
	held, err := eng.Transition(ctx, engine.TransitionRequest{
		TaskID: task.ID, To: domain.StatusAssigned, ActorType: domain.ActorAgent, ActorID: "agent-1",
		IdempotencyKey: "claim", ExpectedFrom: domain.StatusInbox, Artifacts: domain.Artifacts{AssigneeIDs: []string{"agent-1"}},
		Tool: &policy.ToolInvocation{Tool: "write_file", Write: true, Paths: []string{"src/app.go"}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.CodeApprovalRequired, held.Code)

	now = now.Add(2 * time.Hour)
	s := sweep.New(eng, config.Default(), zerolog.Nop())
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.EqualValues(t, 1, report.SpendReset)
	assert.Equal(t, []string{"agent-1"}, report.Offline)

	got, err := eng.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, got.Status)
	agent, err := eng.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, agent.SpendToday)
	assert.Equal(t, domain.AgentOffline, agent.Status)

	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Zero(t, report.SpendReset)
	assert.Empty(t, report.Offline)
}

func TestRunStopsOnCancel(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	eng := newEngine(t, &now)
	s := sweep.New(eng, config.Default(), zerolog.Nop())
	s.ApprovalInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
