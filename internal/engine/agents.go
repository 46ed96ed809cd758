package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/policy"
	"foreman/internal/repo"
)

// AgentOptions registers an agent. Nil budgets take the active global
// policy's budgetDefaults; zero means unlimited.
type AgentOptions struct {
	ID           string
	Name         string
	BudgetDaily  *float64
	BudgetPerRun *float64
	ActorID      string
}

func (e Engine) RegisterAgent(ctx context.Context, opts AgentOptions) (domain.Agent, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent id required", ErrInvalidInput)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.ActorID == "" {
		opts.ActorID = opts.ID
	}
	resolved, err := e.ActivePolicy(ctx, policy.GlobalScope)
	if err != nil {
		return domain.Agent{}, err
	}
	daily := resolved.Document.BudgetDefaults.AgentDailyUSD
	if opts.BudgetDaily != nil {
		daily = *opts.BudgetDaily
	}
	perRun := resolved.Document.BudgetDefaults.AgentPerRunUSD
	if opts.BudgetPerRun != nil {
		perRun = *opts.BudgetPerRun
	}
	if daily < 0 || perRun < 0 {
		return domain.Agent{}, fmt.Errorf("%w: budgets must not be negative", ErrInvalidInput)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetAgent(ctx, tx, opts.ID); err == nil {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", opts.ID, ErrAlreadyExists)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, err
	}
	now := e.ts()
	agent := domain.Agent{
		ID:           opts.ID,
		Name:         opts.Name,
		Status:       domain.AgentActive,
		BudgetDaily:  daily,
		BudgetPerRun: perRun,
		SpendResetAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertAgent(ctx, tx, agent); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.AgentRegistered, events.EntityAgent, agent.ID, opts.ActorID, events.EventPayload{
		"name": agent.Name, "budget_daily": daily, "budget_per_run": perRun,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, nil, id)
}

func (e Engine) ListAgents(ctx context.Context, status domain.AgentStatus) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, nil, status)
}

// SetAgentStatus moves an agent between registry states. Returning an agent
// to ACTIVE clears its error streak.
func (e Engine) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, actorID, reason string) (domain.Agent, error) {
	if !status.Valid() {
		return domain.Agent{}, fmt.Errorf("%w: unknown agent status %q", ErrInvalidInput, status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	agent, err := e.setAgentStatus(ctx, tx, id, status, actorID, reason)
	if err != nil {
		return agent, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}

func (e Engine) setAgentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, actorID, reason string) (domain.Agent, error) {
	agent, err := e.Repo.GetAgent(ctx, tx, id)
	if err != nil {
		return agent, err
	}
	if agent.Status == status {
		return agent, nil
	}
	now := e.ts()
	if err := e.Repo.UpdateAgentStatus(ctx, tx, id, status, now); err != nil {
		return agent, err
	}
	if status == domain.AgentActive && agent.ErrorStreak > 0 {
		if err := e.Repo.SetErrorStreak(ctx, tx, id, 0, now); err != nil {
			return agent, err
		}
		agent.ErrorStreak = 0
	}
	if err := e.appendEvent(ctx, tx, events.AgentStatusChanged, events.EntityAgent, id, actorID, events.EventPayload{
		"from": agent.Status, "to": status, "reason": reason,
	}); err != nil {
		return agent, err
	}
	agent.Status = status
	agent.UpdatedAt = now
	return agent, nil
}

// UpdateAgentLimits rewrites an agent's budget caps.
func (e Engine) UpdateAgentLimits(ctx context.Context, id string, daily, perRun float64) (domain.Agent, error) {
	if daily < 0 || perRun < 0 {
		return domain.Agent{}, fmt.Errorf("%w: budgets must not be negative", ErrInvalidInput)
	}
	if err := e.Repo.UpdateAgentLimits(ctx, nil, id, daily, perRun, e.ts()); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, nil, id)
}

// HeartbeatResult is what an agent should look at after checking in.
type HeartbeatResult struct {
	Agent                domain.Agent      `json:"agent"`
	PendingTasks         []domain.Task     `json:"pending_tasks"`
	ClaimableTasks       []domain.Task     `json:"claimable_tasks"`
	PendingApprovals     []domain.Approval `json:"pending_approvals"`
	PendingNotifications []domain.Event    `json:"pending_notifications"`
}

// Heartbeat records liveness and returns the agent's work queue. The
// notification cursor advances past the events returned. An OFFLINE agent
// that checks in becomes ACTIVE again.
func (e Engine) Heartbeat(ctx context.Context, agentID string) (HeartbeatResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return HeartbeatResult{}, err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if agent.Status == domain.AgentOffline {
		if agent, err = e.setAgentStatus(ctx, tx, agentID, domain.AgentActive, agentID, "heartbeat"); err != nil {
			return HeartbeatResult{}, err
		}
	}
	var res HeartbeatResult

	assigned, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{AssigneeID: agentID})
	if err != nil {
		return res, err
	}
	for _, t := range assigned {
		if !t.Status.IsTerminal() {
			res.PendingTasks = append(res.PendingTasks, t)
		}
	}
	if agent.Status == domain.AgentActive {
		inbox, err := e.Repo.ListTasks(ctx, tx, repo.TaskFilters{Status: domain.StatusInbox})
		if err != nil {
			return res, err
		}
		for _, t := range inbox {
			ready, err := e.dependenciesDone(ctx, tx, t)
			if err != nil {
				return res, err
			}
			if ready {
				res.ClaimableTasks = append(res.ClaimableTasks, t)
			}
		}
	}
	if res.PendingApprovals, err = e.Repo.ListApprovals(ctx, tx, repo.ApprovalFilters{Status: domain.ApprovalPending, RequestorID: agentID}); err != nil {
		return res, err
	}
	if res.PendingNotifications, err = e.Repo.AgentEventsAfter(ctx, tx, agentID, agent.NotificationCursor, 100); err != nil {
		return res, err
	}
	cursor := agent.NotificationCursor
	if n := len(res.PendingNotifications); n > 0 {
		cursor = res.PendingNotifications[n-1].ID
	}
	now := e.ts()
	if err := e.Repo.TouchHeartbeat(ctx, tx, agentID, now, cursor); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	agent.LastHeartbeatAt = &now
	agent.NotificationCursor = cursor
	res.Agent = agent
	return res, nil
}

// MarkStaleAgents moves ACTIVE agents silent since before cutoff to OFFLINE
// and returns their ids.
func (e Engine) MarkStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stale, err := e.Repo.ListStaleAgents(ctx, tx, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range stale {
		if _, err := e.setAgentStatus(ctx, tx, a.ID, domain.AgentOffline, SystemActorID, "heartbeat timeout"); err != nil {
			return nil, err
		}
		ids = append(ids, a.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordRunOutcome tracks consecutive failed runs. Reaching the policy's
// maxErrorStreak quarantines the agent.
func (e Engine) RecordRunOutcome(ctx context.Context, agentID string, ok bool) (domain.Agent, error) {
	resolved, err := e.ActivePolicy(ctx, policy.GlobalScope)
	if err != nil {
		return domain.Agent{}, err
	}
	limit := resolved.Document.LoopThresholds.MaxErrorStreak

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return agent, err
	}
	streak := 0
	if !ok {
		streak = agent.ErrorStreak + 1
	}
	now := e.ts()
	if err := e.Repo.SetErrorStreak(ctx, tx, agentID, streak, now); err != nil {
		return agent, err
	}
	agent.ErrorStreak = streak
	if limit > 0 && streak >= limit && (agent.Status == domain.AgentActive || agent.Status == domain.AgentDrained) {
		reason := fmt.Sprintf("%d consecutive failed runs", streak)
		if agent, err = e.setAgentStatus(ctx, tx, agentID, domain.AgentQuarantined, SystemActorID, reason); err != nil {
			return agent, err
		}
		agent.ErrorStreak = streak
		e.Log.Warn().Str("agent_id", agentID).Int("error_streak", streak).Msg("agent quarantined")
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return agent, nil
}
