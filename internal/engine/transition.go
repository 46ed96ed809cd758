package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/budget"
	"foreman/internal/domain"
	"foreman/internal/engine/auth"
	"foreman/internal/events"
	"foreman/internal/lifecycle"
	"foreman/internal/policy"
	"foreman/internal/repo"
	"foreman/internal/telemetry"
)

// TransitionRequest asks to move a task to a new status.
type TransitionRequest struct {
	TaskID         string
	To             domain.Status
	ActorType      domain.ActorType
	ActorID        string
	IdempotencyKey string
	Artifacts      domain.Artifacts
	Reason         string
	// ExpectedFrom is the status the caller last saw; the move fails with
	// INVALID_TRANSITION when the task has moved on since.
	ExpectedFrom domain.Status
	// CostUSD is charged to an AGENT actor when the transition is accepted.
	CostUSD float64
	// EstimatedCostUSD feeds the policy's cost rules without being charged.
	EstimatedCostUSD float64
	Tool             *policy.ToolInvocation
	RunID            string
	Justification    string
}

// TransitionResult is the outcome of a transition request. Validation
// failures are reported here, never as Go errors.
type TransitionResult struct {
	Success            bool                   `json:"success"`
	Code               domain.Code            `json:"code"`
	Errors             []lifecycle.Violation  `json:"errors,omitempty"`
	AllowedTransitions []domain.Status        `json:"allowed_transitions,omitempty"`
	Task               *domain.Task           `json:"task,omitempty"`
	Transition         *domain.TaskTransition `json:"transition,omitempty"`
	Approval           *domain.Approval       `json:"approval,omitempty"`
	Decision           *policy.Decision       `json:"decision,omitempty"`
	Replayed           bool                   `json:"replayed"`
	BudgetRemaining    *float64               `json:"budget_remaining,omitempty"`
}

func rejected(code domain.Code, msg string) TransitionResult {
	return TransitionResult{Code: code, Errors: []lifecycle.Violation{{Code: code, Message: msg}}}
}

func (r TransitionRequest) validate() error {
	var missing []string
	if r.TaskID == "" {
		missing = append(missing, "task id")
	}
	if r.IdempotencyKey == "" {
		missing = append(missing, "idempotency key")
	}
	if r.ActorID == "" {
		missing = append(missing, "actor id")
	}
	if r.ExpectedFrom == "" {
		missing = append(missing, "expected from status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidInput, strings.Join(missing, ", "))
	}
	if !r.ActorType.Valid() {
		return fmt.Errorf("%w: unknown actor type %q", ErrInvalidInput, r.ActorType)
	}
	if !r.To.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, r.To)
	}
	if !r.ExpectedFrom.Valid() {
		return fmt.Errorf("%w: unknown expected status %q", ErrInvalidInput, r.ExpectedFrom)
	}
	if r.CostUSD < 0 || r.EstimatedCostUSD < 0 {
		return fmt.Errorf("%w: costs must not be negative", ErrInvalidInput)
	}
	return nil
}

// skipsPolicy reports edges that only retreat, park or resolve a hold; the
// policy engine is not consulted for them.
func skipsPolicy(from, to domain.Status) bool {
	if from == domain.StatusNeedsApproval {
		return true
	}
	switch to {
	case domain.StatusBlocked, domain.StatusCanceled, domain.StatusNeedsApproval:
		return true
	}
	return false
}

// Transition runs the governed status change: idempotency lookup, state
// machine validation, agent gate, policy, budget, then ledger append and
// task update in one transaction.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if err := req.validate(); err != nil {
		return TransitionResult{}, err
	}
	ctx, span := telemetry.StartTransitionSpan(ctx, req.TaskID, string(req.To), string(req.ActorType))
	defer span.End()

	res, err := e.transition(ctx, req)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	if res.Replayed {
		return res, nil
	}
	if res.Success {
		e.Metrics.TransitionAccepted(ctx, string(res.Transition.FromStatus), string(res.Transition.ToStatus))
		e.Log.Debug().Str("task_id", req.TaskID).Str("to", string(req.To)).Str("actor_id", req.ActorID).Msg("transition accepted")
	} else if !res.Success {
		e.Metrics.TransitionRejected(ctx, string(res.Code))
		if res.Code == domain.CodeApprovalRequired && res.Approval != nil {
			e.Metrics.ApprovalOpened(ctx, string(res.Approval.RiskLevel))
		}
	}
	return res, nil
}

func (e Engine) transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	if res, done, err := e.replay(ctx, tx, req); err != nil || done {
		return res, err
	}

	task, err := e.Repo.GetTask(ctx, tx, req.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return rejected(domain.CodeNotFound, fmt.Sprintf("task %s not found", req.TaskID)), nil
	}
	if err != nil {
		return TransitionResult{}, err
	}
	from := task.Status
	fail := func(res TransitionResult) (TransitionResult, error) {
		res.Task = &task
		res.AllowedTransitions = lifecycle.AllowedTransitions(from, req.ActorType)
		return res, nil
	}

	if req.ExpectedFrom != from {
		return fail(rejected(domain.CodeInvalidTransition,
			fmt.Sprintf("task is %s, expected %s", from, req.ExpectedFrom)))
	}
	if violations := lifecycle.Validate(from, req.To, req.ActorType, req.Artifacts); len(violations) > 0 {
		return fail(TransitionResult{Code: violations[0].Code, Errors: violations})
	}
	if err := e.Auth.AuthorizeTransition(ctx, tx, req.ActorType, req.ActorID, from, req.To); err != nil {
		var forbidden auth.ForbiddenError
		if errors.As(err, &forbidden) {
			return fail(rejected(domain.CodeActorNotPermitted, forbidden.Error()))
		}
		return TransitionResult{}, err
	}

	var agent *domain.Agent
	if req.ActorType == domain.ActorAgent {
		a, err := e.Repo.GetAgent(ctx, tx, req.ActorID)
		if err != nil {
			return TransitionResult{}, err
		}
		agent = &a
	}

	if !skipsPolicy(from, req.To) {
		resolved, err := e.activePolicy(ctx, tx, string(task.Type))
		if err != nil {
			return TransitionResult{}, err
		}
		actor := policy.Actor{Type: req.ActorType, ID: req.ActorID}
		if agent != nil {
			actor.RemainingBudgetUSD = e.remainingBudget(*agent)
		}
		estimate := req.EstimatedCostUSD
		if req.CostUSD > estimate {
			estimate = req.CostUSD
		}
		d := e.evaluate(ctx, resolved.Document, actor, policy.TransitionRequest{
			TaskID:           task.ID,
			TaskType:         task.Type,
			Priority:         task.Priority,
			From:             from,
			To:               req.To,
			EstimatedCostUSD: estimate,
			Tool:             req.Tool,
		})
		switch d.Verdict {
		case policy.Deny:
			res := rejected(domain.CodePolicyDenied, d.Reason)
			res.Decision = &d
			return fail(res)
		case policy.RequiresApproval:
			return e.holdForApproval(ctx, tx, task, req, d, resolved.Document)
		}
	}

	if agent != nil && req.CostUSD > 0 {
		check := budget.Evaluate(limitsOf(*agent), e.effectiveSpend(*agent), req.CostUSD)
		if !check.OK {
			res := rejected(domain.CodeBudgetExceeded, check.Reason)
			res.BudgetRemaining = &check.RemainingUSD
			return fail(res)
		}
		if task.BudgetAllocated > 0 && req.CostUSD > task.BudgetRemaining+1e-9 {
			left := task.BudgetRemaining
			res := rejected(domain.CodeBudgetExceeded,
				fmt.Sprintf("cost %.4f exceeds remaining task budget %.4f", req.CostUSD, task.BudgetRemaining))
			res.BudgetRemaining = &left
			return fail(res)
		}
	}

	chargeTo := ""
	if agent != nil {
		chargeTo = agent.ID
	}
	applied, err := e.applyTransition(ctx, tx, task, appliedTransition{
		To:             req.To,
		ActorType:      req.ActorType,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		Artifacts:      req.Artifacts,
		Reason:         req.Reason,
		CostUSD:        req.CostUSD,
		ChargeAgentID:  chargeTo,
		RunID:          req.RunID,
	})
	if errors.Is(err, errStaleStatus) {
		return fail(rejected(domain.CodeInvalidTransition, "task status changed concurrently"))
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	res := TransitionResult{Success: true, Code: domain.CodeOK, Task: &applied.Task, Transition: &applied.Transition}
	if applied.Agent != nil {
		left := budget.Remaining(applied.Agent.BudgetDaily, applied.Agent.SpendToday)
		res.BudgetRemaining = &left
	}
	return res, nil
}

// replay answers a request whose idempotency key is already in the ledger.
func (e Engine) replay(ctx context.Context, tx *sql.Tx, req TransitionRequest) (TransitionResult, bool, error) {
	existing, err := e.Repo.GetTransitionByKey(ctx, tx, req.IdempotencyKey)
	if errors.Is(err, repo.ErrNotFound) {
		return TransitionResult{}, false, nil
	}
	if err != nil {
		return TransitionResult{}, false, err
	}
	if existing.TaskID != req.TaskID {
		return rejected(domain.CodeIdempotencyConflict,
			fmt.Sprintf("idempotency key %s already used for task %s", req.IdempotencyKey, existing.TaskID)), true, nil
	}
	task, err := e.Repo.GetTask(ctx, tx, existing.TaskID)
	if err != nil {
		return TransitionResult{}, false, err
	}
	res := TransitionResult{
		Success:    true,
		Code:       domain.CodeIdempotencyReplay,
		Task:       &task,
		Transition: &existing,
		Replayed:   true,
	}
	if existing.ApprovalID != nil {
		a, err := e.Repo.GetApproval(ctx, tx, *existing.ApprovalID)
		if err != nil {
			return TransitionResult{}, false, err
		}
		res.Approval = &a
		// The key parked the task; the retry gets the hold back, not a success.
		if existing.ToStatus == domain.StatusNeedsApproval {
			res.Success = false
			res.Code = domain.CodeApprovalRequired
			res.Errors = []lifecycle.Violation{{Code: domain.CodeApprovalRequired, Message: existing.Reason}}
		}
	}
	return res, true, nil
}

// holdForApproval parks the task in NEEDS_APPROVAL and opens an approval
// carrying the requested move.
func (e Engine) holdForApproval(ctx context.Context, tx *sql.Tx, task domain.Task, req TransitionRequest, d policy.Decision, doc policy.Document) (TransitionResult, error) {
	risk := d.Risk
	if risk != domain.RiskRed {
		risk = domain.RiskYellow
	}
	now := e.now()
	from := task.Status
	to := req.To
	justification := d.Reason
	if j := strings.TrimSpace(req.Justification); j != "" {
		justification += "; " + j
	}
	summary := fmt.Sprintf("%s %s -> %s", task.ID, from, to)
	if req.Tool != nil && req.Tool.Tool != "" {
		summary += " via " + req.Tool.Tool
	}
	approval := domain.Approval{
		ID:               uuid.NewString(),
		TaskID:           &task.ID,
		Status:           domain.ApprovalPending,
		RiskLevel:        risk,
		RequestorID:      req.ActorID,
		RequestorType:    req.ActorType,
		ActionType:       "transition",
		ActionSummary:    summary,
		Justification:    justification,
		ExpiresAt:        now.Add(doc.ApprovalTimeouts.For(risk)).UTC().Format(time.RFC3339),
		PendingFrom:      &from,
		PendingTo:        &to,
		PendingArtifacts: req.Artifacts,
		PendingReason:    req.Reason,
		PendingKey:       req.IdempotencyKey,
		PendingCostUSD:   req.CostUSD,
		PendingActorID:   req.ActorID,
		CreatedAt:        now.UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertApproval(ctx, tx, approval); err != nil {
		return TransitionResult{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ApprovalRequested, events.EntityApproval, approval.ID, req.ActorID, events.EventPayload{
		"task_id": task.ID, "risk": risk, "rule": d.Rule, "from": from, "to": to,
	}); err != nil {
		return TransitionResult{}, err
	}
	applied, err := e.applyTransition(ctx, tx, task, appliedTransition{
		To:             domain.StatusNeedsApproval,
		ActorType:      domain.ActorSystem,
		ActorID:        SystemActorID,
		IdempotencyKey: req.IdempotencyKey,
		Artifacts:      req.Artifacts,
		Reason:         d.Reason,
		ApprovalID:     approval.ID,
		SnapshotOnly:   true,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		Code:               domain.CodeApprovalRequired,
		Errors:             []lifecycle.Violation{{Code: domain.CodeApprovalRequired, Message: d.Reason}},
		Task:               &applied.Task,
		Transition:         &applied.Transition,
		Approval:           &approval,
		Decision:           &d,
		AllowedTransitions: lifecycle.AllowedTransitions(domain.StatusNeedsApproval, req.ActorType),
	}, nil
}

var errStaleStatus = errors.New("task status changed")

type appliedTransition struct {
	To             domain.Status
	ActorType      domain.ActorType
	ActorID        string
	IdempotencyKey string
	Artifacts      domain.Artifacts
	Reason         string
	CostUSD        float64
	ChargeAgentID  string
	RunID          string
	ApprovalID     string
	// SnapshotOnly records the artifacts on the ledger row without applying
	// them to the task.
	SnapshotOnly bool
}

type applyResult struct {
	Task       domain.Task
	Transition domain.TaskTransition
	Agent      *domain.Agent
}

// applyTransition appends the ledger row, then moves the task with a
// compare-and-set, then applies artifact effects and spend. The caller has
// already validated the edge.
func (e Engine) applyTransition(ctx context.Context, tx *sql.Tx, task domain.Task, in appliedTransition) (applyResult, error) {
	now := e.ts()
	from := task.Status
	tr := domain.TaskTransition{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		FromStatus:     from,
		ToStatus:       in.To,
		ActorType:      in.ActorType,
		ActorID:        in.ActorID,
		IdempotencyKey: in.IdempotencyKey,
		Artifacts:      in.Artifacts,
		Reason:         in.Reason,
		CostUSD:        in.CostUSD,
		ApprovalID:     optionalString(in.ApprovalID),
		CreatedAt:      now,
	}
	if err := e.Repo.InsertTransition(ctx, tx, tr); err != nil {
		return applyResult{}, fmt.Errorf("append transition: %w", err)
	}
	ok, err := e.Repo.CompareAndSetStatus(ctx, tx, task.ID, from, in.To, now)
	if err != nil {
		return applyResult{}, fmt.Errorf("update task status: %w", err)
	}
	if !ok {
		return applyResult{}, errStaleStatus
	}

	if from == domain.StatusNeedsApproval {
		if err := e.supersedeHold(ctx, tx, task.ID, tr.ID, in.ActorID); err != nil {
			return applyResult{}, err
		}
	}

	task.Status = in.To
	task.UpdatedAt = now
	if !in.SnapshotOnly {
		a := in.Artifacts
		if a.Has(domain.ArtifactAssigneeIDs) {
			if err := e.Repo.SetAssignees(ctx, tx, task.ID, a.AssigneeIDs); err != nil {
				return applyResult{}, fmt.Errorf("set assignees: %w", err)
			}
			if task.AssigneeIDs, err = e.Repo.ListAssignees(ctx, tx, task.ID); err != nil {
				return applyResult{}, err
			}
		}
		if a.Has(domain.ArtifactWorkPlan) {
			task.WorkPlan = a.WorkPlan
		}
		if a.Has(domain.ArtifactDeliverable) {
			task.Deliverable = a.Deliverable
		}
		if a.Has(domain.ArtifactSelfReview) {
			task.SelfReview = a.SelfReview
		}
		if a.Has(domain.ArtifactReviewChecklist) {
			task.ReviewChecklist = a.ReviewChecklist
		}
		if a.Has(domain.ArtifactApprovalRecord) {
			task.ApprovalRecord = a.ApprovalRecord
		}
	}
	if lifecycle.CountsAsReviewCycle(from, in.To) {
		task.ReviewCycles++
	}
	switch {
	case in.To == domain.StatusDone:
		task.CompletedAt = &now
	case from == domain.StatusDone:
		task.CompletedAt = nil
	}

	var charged *domain.Agent
	if in.CostUSD > 0 && in.ChargeAgentID != "" {
		agent, err := e.commitSpend(ctx, tx, spendCommit{
			AgentID:      in.ChargeAgentID,
			Amount:       in.CostUSD,
			TaskID:       task.ID,
			RunID:        in.RunID,
			TransitionID: tr.ID,
			ActorID:      in.ActorID,
		})
		if err != nil {
			return applyResult{}, err
		}
		charged = &agent
		if task.BudgetAllocated > 0 {
			task.BudgetRemaining -= in.CostUSD
		}
		e.Metrics.Spend(ctx, agent.ID, in.CostUSD)
	}
	if err := e.Repo.UpdateTaskFields(ctx, tx, task); err != nil {
		return applyResult{}, fmt.Errorf("update task: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskTransitioned, events.EntityTask, task.ID, in.ActorID, events.EventPayload{
		"transition_id": tr.ID, "from": from, "to": in.To, "actor_type": in.ActorType,
		"cost_usd": in.CostUSD, "approval_id": in.ApprovalID,
	}); err != nil {
		return applyResult{}, err
	}
	return applyResult{Task: task, Transition: tr, Agent: charged}, nil
}

// supersedeHold cancels a still-pending approval when its task leaves
// NEEDS_APPROVAL by a direct transition.
func (e Engine) supersedeHold(ctx context.Context, tx *sql.Tx, taskID, transitionID, actorID string) error {
	hold, err := e.Repo.PendingHoldForTask(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ok, err := e.Repo.ResolveApproval(ctx, tx, hold.ID, repo.Resolution{
		Status:    domain.ApprovalCanceled,
		Reason:    "superseded by transition " + transitionID,
		DecidedAt: e.ts(),
	})
	if err != nil || !ok {
		return err
	}
	return e.appendEvent(ctx, tx, events.ApprovalCanceled, events.EntityApproval, hold.ID, actorID, events.EventPayload{
		"task_id": taskID, "reason": "superseded",
	})
}

// AssignRequest is sugar for a transition to ASSIGNED.
type AssignRequest struct {
	TaskID         string
	AgentIDs       []string
	ActorType      domain.ActorType
	ActorID        string
	IdempotencyKey string
	Reason         string
	// ExpectedFrom defaults to INBOX.
	ExpectedFrom domain.Status
}

func (e Engine) Assign(ctx context.Context, req AssignRequest) (TransitionResult, error) {
	expected := req.ExpectedFrom
	if expected == "" {
		expected = domain.StatusInbox
	}
	return e.Transition(ctx, TransitionRequest{
		TaskID:         req.TaskID,
		To:             domain.StatusAssigned,
		ActorType:      req.ActorType,
		ActorID:        req.ActorID,
		IdempotencyKey: req.IdempotencyKey,
		Artifacts:      domain.Artifacts{AssigneeIDs: req.AgentIDs},
		Reason:         req.Reason,
		ExpectedFrom:   expected,
	})
}
