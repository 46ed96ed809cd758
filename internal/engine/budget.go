package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/internal/budget"
	"foreman/internal/domain"
	"foreman/internal/events"
)

// SpendRequest records work an agent has already paid for.
type SpendRequest struct {
	AgentID   string
	AmountUSD float64
	TaskID    string
	RunID     string
}

type SpendResult struct {
	SpendToday      float64 `json:"spend_today"`
	BudgetRemaining float64 `json:"budget_remaining"`
	BudgetExceeded  bool    `json:"budget_exceeded"`
}

func limitsOf(a domain.Agent) budget.Limits {
	return budget.Limits{DailyUSD: a.BudgetDaily, PerRunUSD: a.BudgetPerRun}
}

// effectiveSpend is the agent's spend for the current UTC day; a counter
// last reset on an earlier day counts as zero until the reset job runs.
func (e Engine) effectiveSpend(a domain.Agent) float64 {
	last, err := parseTS(a.SpendResetAt)
	if err != nil {
		return a.SpendToday
	}
	if budget.NeedsReset(last, e.now()) {
		return 0
	}
	return a.SpendToday
}

// remainingBudget returns nil for agents without a daily cap.
func (e Engine) remainingBudget(a domain.Agent) *float64 {
	if a.BudgetDaily <= 0 {
		return nil
	}
	left := budget.Remaining(a.BudgetDaily, e.effectiveSpend(a))
	return &left
}

// CheckAndReserve answers whether the agent may spend amount now. Nothing is
// persisted.
func (e Engine) CheckAndReserve(ctx context.Context, agentID string, amount float64) (budget.Check, error) {
	agent, err := e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		return budget.Check{}, err
	}
	return budget.Evaluate(limitsOf(agent), e.effectiveSpend(agent), amount), nil
}

// rollover applies a pending daily reset to one agent inside tx.
func (e Engine) rollover(ctx context.Context, tx *sql.Tx, a *domain.Agent) error {
	last, err := parseTS(a.SpendResetAt)
	if err == nil && !budget.NeedsReset(last, e.now()) {
		return nil
	}
	now := e.ts()
	if err := e.Repo.ResetAgentSpend(ctx, tx, a.ID, now); err != nil {
		return fmt.Errorf("roll over spend: %w", err)
	}
	a.SpendToday = 0
	a.SpendResetAt = now
	return nil
}

type spendCommit struct {
	AgentID      string
	Amount       float64
	TaskID       string
	RunID        string
	TransitionID string
	ActorID      string
}

// commitSpend charges an agent unconditionally inside tx and writes the
// audit entry. It returns the agent after the charge.
func (e Engine) commitSpend(ctx context.Context, tx *sql.Tx, c spendCommit) (domain.Agent, error) {
	agent, err := e.Repo.GetAgent(ctx, tx, c.AgentID)
	if err != nil {
		return agent, err
	}
	if err := e.rollover(ctx, tx, &agent); err != nil {
		return agent, err
	}
	now := e.ts()
	if err := e.Repo.AddAgentSpend(ctx, tx, agent.ID, c.Amount, now); err != nil {
		return agent, fmt.Errorf("add spend: %w", err)
	}
	entry := domain.SpendEntry{
		ID:           uuid.NewString(),
		AgentID:      agent.ID,
		TaskID:       optionalString(c.TaskID),
		RunID:        optionalString(c.RunID),
		TransitionID: optionalString(c.TransitionID),
		AmountUSD:    c.Amount,
		CreatedAt:    now,
	}
	if err := e.Repo.InsertSpendEntry(ctx, tx, entry); err != nil {
		return agent, fmt.Errorf("insert spend entry: %w", err)
	}
	wasOver := budget.Exceeded(agent.BudgetDaily, agent.SpendToday)
	agent.SpendToday += c.Amount
	actor := c.ActorID
	if actor == "" {
		actor = agent.ID
	}
	if err := e.appendEvent(ctx, tx, events.SpendRecorded, events.EntityAgent, agent.ID, actor, events.EventPayload{
		"amount_usd": c.Amount, "spend_today": agent.SpendToday, "task_id": c.TaskID, "run_id": c.RunID,
	}); err != nil {
		return agent, err
	}
	if !wasOver && budget.Exceeded(agent.BudgetDaily, agent.SpendToday) {
		if err := e.appendEvent(ctx, tx, events.AgentBudgetExceeded, events.EntityAgent, agent.ID, actor, events.EventPayload{
			"spend_today": agent.SpendToday, "budget_daily": agent.BudgetDaily,
		}); err != nil {
			return agent, err
		}
	}
	return agent, nil
}

// RecordSpend commits spend outside a transition. It never rejects on
// budget; the result reports whether the cap is now exceeded.
func (e Engine) RecordSpend(ctx context.Context, req SpendRequest) (SpendResult, error) {
	if req.AgentID == "" {
		return SpendResult{}, fmt.Errorf("%w: agent id required", ErrInvalidInput)
	}
	if req.AmountUSD < 0 {
		return SpendResult{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SpendResult{}, err
	}
	defer tx.Rollback()
	agent, err := e.commitSpend(ctx, tx, spendCommit{AgentID: req.AgentID, Amount: req.AmountUSD, TaskID: req.TaskID, RunID: req.RunID})
	if err != nil {
		return SpendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SpendResult{}, err
	}
	e.Metrics.Spend(ctx, agent.ID, req.AmountUSD)
	return SpendResult{
		SpendToday:      agent.SpendToday,
		BudgetRemaining: budget.Remaining(agent.BudgetDaily, agent.SpendToday),
		BudgetExceeded:  budget.Exceeded(agent.BudgetDaily, agent.SpendToday),
	}, nil
}

// ResetDailySpend zeroes spend for every agent not yet reset on the current
// UTC day. Running it twice on the same day resets nothing the second time.
func (e Engine) ResetDailySpend(ctx context.Context) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := e.now()
	n, err := e.Repo.ResetSpendBefore(ctx, tx, budget.DayStart(now).Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("reset spend: %w", err)
	}
	if n > 0 {
		if err := e.appendEvent(ctx, tx, events.AgentSpendReset, events.EntityAgent, "", SystemActorID, events.EventPayload{"agents": n}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// SpendHistory lists an agent's spend entries for the current UTC day.
func (e Engine) SpendHistory(ctx context.Context, agentID string) ([]domain.SpendEntry, error) {
	since := budget.DayStart(e.now()).Format(time.RFC3339)
	return e.Repo.ListSpendEntries(ctx, nil, agentID, since, 0)
}

// SpendTotal sums the same entries SpendHistory lists.
func (e Engine) SpendTotal(ctx context.Context, agentID string) (float64, error) {
	since := budget.DayStart(e.now()).Format(time.RFC3339)
	return e.Repo.SumSpendSince(ctx, nil, agentID, since)
}
