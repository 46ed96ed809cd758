package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/lifecycle"
	"foreman/internal/repo"
	"foreman/internal/telemetry"
)

// ApprovalRequest opens an approval that does not hold a task transition,
// e.g. an agent asking before running a risky tool.
type ApprovalRequest struct {
	TaskID        string
	RiskLevel     domain.RiskLevel
	RequestorType domain.ActorType
	RequestorID   string
	ActionType    string
	ActionSummary string
	Justification string
}

// Decision names who decides an approval. Exactly one of AgentID or UserID
// must be set.
type Decision struct {
	AgentID string
	UserID  string
	Reason  string
}

// DecisionResult is an approval after a decision and, for held transitions,
// where the task ended up.
type DecisionResult struct {
	Approval   domain.Approval        `json:"approval"`
	Task       *domain.Task           `json:"task,omitempty"`
	Transition *domain.TaskTransition `json:"transition,omitempty"`
}

func (e Engine) RequestApproval(ctx context.Context, req ApprovalRequest) (domain.Approval, error) {
	if req.RiskLevel == "" {
		req.RiskLevel = domain.RiskYellow
	}
	if req.RiskLevel != domain.RiskYellow && req.RiskLevel != domain.RiskRed {
		return domain.Approval{}, fmt.Errorf("%w: risk level must be YELLOW or RED", ErrInvalidInput)
	}
	if req.RequestorType == "" {
		req.RequestorType = domain.ActorAgent
	}
	if !req.RequestorType.Valid() || req.RequestorID == "" {
		return domain.Approval{}, fmt.Errorf("%w: requestor type and id are required", ErrInvalidInput)
	}
	req.ActionType = strings.TrimSpace(req.ActionType)
	req.ActionSummary = strings.TrimSpace(req.ActionSummary)
	if req.ActionType == "" || req.ActionSummary == "" {
		return domain.Approval{}, fmt.Errorf("%w: action type and summary are required", ErrInvalidInput)
	}

	scope := ""
	if req.TaskID != "" {
		t, err := e.Repo.GetTask(ctx, nil, req.TaskID)
		if err != nil {
			return domain.Approval{}, fmt.Errorf("task %s: %w", req.TaskID, err)
		}
		scope = string(t.Type)
	}
	resolved, err := e.ActivePolicy(ctx, scope)
	if err != nil {
		return domain.Approval{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	now := e.now()
	a := domain.Approval{
		ID:            uuid.NewString(),
		TaskID:        optionalString(req.TaskID),
		Status:        domain.ApprovalPending,
		RiskLevel:     req.RiskLevel,
		RequestorID:   req.RequestorID,
		RequestorType: req.RequestorType,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		Justification: req.Justification,
		ExpiresAt:     now.Add(resolved.Document.ApprovalTimeouts.For(req.RiskLevel)).UTC().Format(time.RFC3339),
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalRequested, events.EntityApproval, a.ID, req.RequestorID, events.EventPayload{
		"task_id": req.TaskID, "risk": a.RiskLevel, "action_type": a.ActionType,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	e.Metrics.ApprovalOpened(ctx, string(a.RiskLevel))
	return a, nil
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return e.Repo.GetApproval(ctx, nil, id)
}

func (e Engine) ListApprovals(ctx context.Context, f repo.ApprovalFilters) ([]domain.Approval, error) {
	return e.Repo.ListApprovals(ctx, nil, f)
}

// Approve resolves a pending approval and replays the held transition from
// NEEDS_APPROVAL to its original target, charging the held cost to the
// requesting agent.
func (e Engine) Approve(ctx context.Context, approvalID string, d Decision) (DecisionResult, error) {
	return e.decide(ctx, approvalID, d, domain.ApprovalApproved)
}

// Deny resolves a pending approval and parks a held task in BLOCKED.
func (e Engine) Deny(ctx context.Context, approvalID string, d Decision) (DecisionResult, error) {
	return e.decide(ctx, approvalID, d, domain.ApprovalDenied)
}

func (e Engine) decide(ctx context.Context, approvalID string, d Decision, outcome domain.ApprovalStatus) (DecisionResult, error) {
	ctx, span := telemetry.StartApprovalSpan(ctx, approvalID, string(outcome))
	defer span.End()

	res, err := e.decideTx(ctx, approvalID, d, outcome)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	e.Metrics.ApprovalResolved(ctx, string(outcome))
	e.Log.Info().Str("approval_id", approvalID).Str("status", string(outcome)).Msg("approval decided")
	return res, nil
}

func (e Engine) decideTx(ctx context.Context, approvalID string, d Decision, outcome domain.ApprovalStatus) (DecisionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApproval(ctx, tx, approvalID)
	if err != nil {
		return DecisionResult{}, err
	}
	if err := e.Auth.AuthorizeDecider(ctx, tx, a, d.AgentID, d.UserID); err != nil {
		return DecisionResult{}, err
	}
	if a.Status != domain.ApprovalPending {
		return DecisionResult{}, fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrApprovalNotPending)
	}
	if e.expired(a) {
		return DecisionResult{}, fmt.Errorf("approval %s: %w", a.ID, ErrApprovalExpired)
	}

	now := e.ts()
	decider := d.UserID
	actorType := domain.ActorHuman
	if d.AgentID != "" {
		decider = d.AgentID
		actorType = domain.ActorSystem
	}
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, repo.Resolution{
		Status:           outcome,
		DecidedByAgentID: optionalString(d.AgentID),
		DecidedByUserID:  optionalString(d.UserID),
		Reason:           d.Reason,
		DecidedAt:        now,
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("resolve approval: %w", err)
	}
	if !ok {
		return DecisionResult{}, fmt.Errorf("approval %s: %w", a.ID, ErrApprovalNotPending)
	}
	a.Status = outcome
	a.DecidedByAgentID = optionalString(d.AgentID)
	a.DecidedByUserID = optionalString(d.UserID)
	a.DecisionReason = d.Reason
	a.DecidedAt = &now

	evt := events.ApprovalApproved
	if outcome == domain.ApprovalDenied {
		evt = events.ApprovalDenied
	}
	if err := e.appendEvent(ctx, tx, evt, events.EntityApproval, a.ID, decider, events.EventPayload{
		"task_id": a.TaskID, "reason": d.Reason,
	}); err != nil {
		return DecisionResult{}, err
	}

	res := DecisionResult{Approval: a}
	if a.Holds() {
		release := holdRelease{ActorType: actorType, ActorID: decider, Reason: d.Reason}
		switch outcome {
		case domain.ApprovalApproved:
			release.To = *a.PendingTo
			release.Key = "approval:" + a.ID + ":approve"
			release.Artifacts = a.PendingArtifacts
			if release.Reason == "" {
				release.Reason = a.PendingReason
			}
			release.CostUSD = a.PendingCostUSD
			if a.RequestorType == domain.ActorAgent {
				release.ChargeAgentID = a.PendingActorID
			}
		default:
			release.To = domain.StatusBlocked
			release.Key = "approval:" + a.ID + ":deny"
			if release.Reason == "" {
				release.Reason = "approval " + a.ID + " denied"
			}
		}
		applied, err := e.releaseHold(ctx, tx, a, release)
		if err != nil {
			return DecisionResult{}, err
		}
		if applied != nil {
			res.Task = &applied.Task
			res.Transition = &applied.Transition
		}
	}
	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	return res, nil
}

func (e Engine) expired(a domain.Approval) bool {
	exp, err := parseTS(a.ExpiresAt)
	if err != nil {
		return false
	}
	return !e.now().Before(exp)
}

type holdRelease struct {
	To            domain.Status
	ActorType     domain.ActorType
	ActorID       string
	Key           string
	Artifacts     domain.Artifacts
	Reason        string
	CostUSD       float64
	ChargeAgentID string
}

// releaseHold moves the task held by a out of NEEDS_APPROVAL. A target with
// no edge out of NEEDS_APPROVAL falls back to BLOCKED. It returns nil when
// the task is no longer held.
func (e Engine) releaseHold(ctx context.Context, tx *sql.Tx, a domain.Approval, in holdRelease) (*applyResult, error) {
	task, err := e.Repo.GetTask(ctx, tx, *a.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusNeedsApproval {
		return nil, nil
	}
	if _, ok := lifecycle.Lookup(domain.StatusNeedsApproval, in.To); !ok {
		in.Reason = fmt.Sprintf("%s (no edge to %s)", in.Reason, in.To)
		in.To = domain.StatusBlocked
	}
	artifacts := in.Artifacts.Merge(domain.Artifacts{ApprovalRecord: a.ID})
	if v := lifecycle.Validate(task.Status, in.To, in.ActorType, artifacts); len(v) > 0 {
		return nil, fmt.Errorf("release hold %s -> %s: %s", task.Status, in.To, v[0].Message)
	}
	applied, err := e.applyTransition(ctx, tx, task, appliedTransition{
		To:             in.To,
		ActorType:      in.ActorType,
		ActorID:        in.ActorID,
		IdempotencyKey: in.Key,
		Artifacts:      artifacts,
		Reason:         in.Reason,
		CostUSD:        in.CostUSD,
		ChargeAgentID:  in.ChargeAgentID,
		ApprovalID:     a.ID,
	})
	if err != nil {
		return nil, err
	}
	return &applied, nil
}

// CancelApproval withdraws a pending approval. Only the requestor or a
// HUMAN/SYSTEM actor may cancel. A held task returns to the status it had
// before the hold.
func (e Engine) CancelApproval(ctx context.Context, approvalID string, actorType domain.ActorType, actorID, reason string) (DecisionResult, error) {
	if !actorType.Valid() || actorID == "" {
		return DecisionResult{}, fmt.Errorf("%w: actor type and id are required", ErrInvalidInput)
	}
	ctx, span := telemetry.StartApprovalSpan(ctx, approvalID, string(domain.ApprovalCanceled))
	defer span.End()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApproval(ctx, tx, approvalID)
	if err != nil {
		return DecisionResult{}, err
	}
	if actorType == domain.ActorAgent && actorID != a.RequestorID {
		return DecisionResult{}, fmt.Errorf("agent %s may not cancel approval requested by %s: %w", actorID, a.RequestorID, ErrInvalidInput)
	}
	if a.Status != domain.ApprovalPending {
		return DecisionResult{}, fmt.Errorf("approval %s is %s: %w", a.ID, a.Status, ErrApprovalNotPending)
	}
	if reason == "" {
		reason = "canceled by " + actorID
	}
	now := e.ts()
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, repo.Resolution{Status: domain.ApprovalCanceled, Reason: reason, DecidedAt: now})
	if err != nil {
		return DecisionResult{}, err
	}
	if !ok {
		return DecisionResult{}, fmt.Errorf("approval %s: %w", a.ID, ErrApprovalNotPending)
	}
	a.Status = domain.ApprovalCanceled
	a.DecisionReason = reason
	a.DecidedAt = &now
	if err := e.appendEvent(ctx, tx, events.ApprovalCanceled, events.EntityApproval, a.ID, actorID, events.EventPayload{
		"task_id": a.TaskID, "reason": reason,
	}); err != nil {
		return DecisionResult{}, err
	}
	res := DecisionResult{Approval: a}
	if a.Holds() {
		releaseActor := actorType
		if releaseActor == domain.ActorAgent {
			releaseActor = domain.ActorSystem
		}
		applied, err := e.releaseHold(ctx, tx, a, holdRelease{
			To:        *a.PendingFrom,
			ActorType: releaseActor,
			ActorID:   actorID,
			Key:       "approval:" + a.ID + ":cancel",
			Reason:    reason,
		})
		if err != nil {
			return DecisionResult{}, err
		}
		if applied != nil {
			res.Task = &applied.Task
			res.Transition = &applied.Transition
		}
	}
	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	e.Metrics.ApprovalResolved(ctx, string(domain.ApprovalCanceled))
	return res, nil
}

// expireBatch bounds how many approvals are loaded per query.
const expireBatch = 100

// ExpireStale expires every pending approval past its deadline and moves
// held tasks to BLOCKED. Each approval is handled in its own transaction.
func (e Engine) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSweepSpan(ctx, "approvals.expire")
	defer span.End()

	n := 0
	now := e.ts()
	for {
		overdue, err := e.Repo.ListOverdueApprovals(ctx, nil, now, expireBatch)
		if err != nil {
			return n, err
		}
		progressed := false
		for _, a := range overdue {
			ok, err := e.expireOne(ctx, a.ID)
			if err != nil {
				span.RecordError(err)
				return n, fmt.Errorf("expire approval %s: %w", a.ID, err)
			}
			if ok {
				n++
				progressed = true
				e.Metrics.ApprovalResolved(ctx, string(domain.ApprovalExpired))
			}
		}
		// A short batch drained the backlog. A batch that expired nothing
		// would come back unchanged.
		if len(overdue) < expireBatch || !progressed {
			break
		}
	}
	if n > 0 {
		e.Log.Info().Int("count", n).Msg("approvals expired")
	}
	return n, nil
}

func (e Engine) expireOne(ctx context.Context, id string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if a.Status != domain.ApprovalPending || !e.expired(a) {
		return false, nil
	}
	reason := "approval " + a.ID + " expired"
	ok, err := e.Repo.ResolveApproval(ctx, tx, a.ID, repo.Resolution{Status: domain.ApprovalExpired, Reason: reason, DecidedAt: e.ts()})
	if err != nil || !ok {
		return false, err
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalExpired, events.EntityApproval, a.ID, SystemActorID, events.EventPayload{
		"task_id": a.TaskID,
	}); err != nil {
		return false, err
	}
	if a.Holds() {
		a.Status = domain.ApprovalExpired
		if _, err := e.releaseHold(ctx, tx, a, holdRelease{
			To:        domain.StatusBlocked,
			ActorType: domain.ActorSystem,
			ActorID:   SystemActorID,
			Key:       "approval:" + a.ID + ":expire",
			Reason:    reason,
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IsDecisionConflict reports errors that mean the approval was already
// settled.
func IsDecisionConflict(err error) bool {
	return errors.Is(err, ErrApprovalNotPending) || errors.Is(err, ErrApprovalExpired)
}
