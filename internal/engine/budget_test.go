package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/engine"
)

func TestRecordSpendMatchesLedger(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	for _, amt := range []float64{0.25, 1.1, 3} {
		_, err := env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: amt})
		require.NoError(t, err)
	}
	entries, err := env.Engine.SpendHistory(env.Ctx, "agent-1")
	require.NoError(t, err)
	total := 0.0
	for _, e := range entries {
		total += e.AmountUSD
	}
	a, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, total, a.SpendToday, 1e-9)
	assert.InDelta(t, 4.35, a.SpendToday, 1e-9)
	summed, err := env.Engine.SpendTotal(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.InDelta(t, total, summed, 1e-9)

	_, err = env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: -1})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestRecordSpendReportsExceededOnce(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	res, err := env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: 11})
	require.NoError(t, err)
	assert.True(t, res.BudgetExceeded)
	assert.Zero(t, res.BudgetRemaining)

	_, err = env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: 1})
	require.NoError(t, err)
	assert.Len(t, env.events(t, "agent.budget_exceeded"), 1)
}

func TestCheckAndReserveUsesCurrentDay(t *testing.T) {
	env := newTestEnv(t)
	noRunCap := 0.0
	_, err := env.Engine.RegisterAgent(env.Ctx, engine.AgentOptions{ID: "agent-1", BudgetPerRun: &noRunCap})
	require.NoError(t, err)
	_, err = env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: 8})
	require.NoError(t, err)

	check, err := env.Engine.CheckAndReserve(env.Ctx, "agent-1", 9)
	require.NoError(t, err)
	assert.False(t, check.OK)
	assert.InDelta(t, 2.0, check.RemainingUSD, 1e-9)

	env.advance(24 * time.Hour)
	check, err = env.Engine.CheckAndReserve(env.Ctx, "agent-1", 9)
	require.NoError(t, err)
	assert.True(t, check.OK)
}

func TestResetDailySpendIsIdempotentPerDay(t *testing.T) {
	env := newTestEnv(t)
	env.agent(t, "agent-1")
	_, err := env.Engine.RecordSpend(env.Ctx, engine.SpendRequest{AgentID: "agent-1", AmountUSD: 3})
	require.NoError(t, err)

	n, err := env.Engine.ResetDailySpend(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.advance(24 * time.Hour)
	n, err = env.Engine.ResetDailySpend(env.Ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	a, err := env.Engine.GetAgent(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, a.SpendToday)

	n, err = env.Engine.ResetDailySpend(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := env.Engine.SpendHistory(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	total, err := env.Engine.SpendTotal(env.Ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, total)
}
