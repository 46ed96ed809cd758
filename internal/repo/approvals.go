package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

const approvalColumns = `id,task_id,status,risk_level,requestor_id,requestor_type,action_type,action_summary,COALESCE(justification,''),expires_at,
decided_by_agent_id,decided_by_user_id,COALESCE(decision_reason,''),decided_at,pending_from,pending_to,pending_artifacts_json,
COALESCE(pending_reason,''),COALESCE(pending_idempotency_key,''),pending_cost_usd,COALESCE(pending_actor_id,''),created_at`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var taskID, byAgent, byUser, decidedAt, from, to, artifacts sql.NullString
	err := row.Scan(&a.ID, &taskID, &a.Status, &a.RiskLevel, &a.RequestorID, &a.RequestorType, &a.ActionType, &a.ActionSummary,
		&a.Justification, &a.ExpiresAt, &byAgent, &byUser, &a.DecisionReason, &decidedAt, &from, &to, &artifacts,
		&a.PendingReason, &a.PendingKey, &a.PendingCostUSD, &a.PendingActorID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TaskID = stringPtr(taskID)
	a.DecidedByAgentID = stringPtr(byAgent)
	a.DecidedByUserID = stringPtr(byUser)
	a.DecidedAt = stringPtr(decidedAt)
	a.PendingFrom = statusPtr(from)
	a.PendingTo = statusPtr(to)
	if a.PendingArtifacts, err = unmarshalArtifacts(artifacts); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	var artifacts any
	if a.Holds() {
		raw, err := marshalArtifacts(a.PendingArtifacts)
		if err != nil {
			return err
		}
		artifacts = raw
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(id,task_id,status,risk_level,requestor_id,requestor_type,action_type,action_summary,
justification,expires_at,pending_from,pending_to,pending_artifacts_json,pending_reason,pending_idempotency_key,pending_cost_usd,pending_actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullableStringPtr(a.TaskID), a.Status, a.RiskLevel, a.RequestorID, a.RequestorType, a.ActionType, a.ActionSummary,
		nullable(a.Justification), a.ExpiresAt, nullableStatus(a.PendingFrom), nullableStatus(a.PendingTo), artifacts,
		nullable(a.PendingReason), nullable(a.PendingKey), a.PendingCostUSD, nullable(a.PendingActorID), a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// Resolution is the terminal state written when an approval leaves PENDING.
type Resolution struct {
	Status           domain.ApprovalStatus
	DecidedByAgentID *string
	DecidedByUserID  *string
	Reason           string
	DecidedAt        string
}

// ResolveApproval moves a PENDING approval to a terminal state. It reports
// false when the approval was no longer PENDING.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id string, res Resolution) (bool, error) {
	out, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET status=?,decided_by_agent_id=?,decided_by_user_id=?,decision_reason=?,decided_at=?
WHERE id=? AND status=?`,
		res.Status, nullableStringPtr(res.DecidedByAgentID), nullableStringPtr(res.DecidedByUserID), nullable(res.Reason), res.DecidedAt,
		id, domain.ApprovalPending)
	if err != nil {
		return false, err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type ApprovalFilters struct {
	Status      domain.ApprovalStatus
	TaskID      string
	RequestorID string
	Limit       int
}

func (r Repo) ListApprovals(ctx context.Context, tx *sql.Tx, f ApprovalFilters) ([]domain.Approval, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.RequestorID != "" {
		clauses = append(clauses, "requestor_id=?")
		args = append(args, f.RequestorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf(`SELECT %s FROM approvals WHERE %s ORDER BY created_at ASC, id ASC LIMIT ?`, approvalColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryApprovals(ctx, tx, query, args...)
}

// ListOverdueApprovals returns PENDING approvals whose expiry is at or before now.
func (r Repo) ListOverdueApprovals(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryApprovals(ctx, tx, `SELECT `+approvalColumns+` FROM approvals WHERE status=? AND expires_at<=? ORDER BY expires_at ASC, id ASC LIMIT ?`,
		domain.ApprovalPending, now, limit)
}

// PendingHoldForTask returns the PENDING approval holding the task, if any.
func (r Repo) PendingHoldForTask(ctx context.Context, tx *sql.Tx, taskID string) (domain.Approval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE task_id=? AND status=? AND pending_to IS NOT NULL ORDER BY created_at DESC LIMIT 1`, taskID, domain.ApprovalPending))
}

func (r Repo) queryApprovals(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Approval, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
