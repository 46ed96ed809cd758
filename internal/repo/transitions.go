package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const transitionColumns = `id,task_id,from_status,to_status,actor_type,actor_id,idempotency_key,artifacts_json,COALESCE(reason,''),cost_usd,approval_id,created_at`

func scanTransition(row rowScanner) (domain.TaskTransition, error) {
	var tr domain.TaskTransition
	var artifacts, approvalID sql.NullString
	err := row.Scan(&tr.ID, &tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.ActorType, &tr.ActorID, &tr.IdempotencyKey,
		&artifacts, &tr.Reason, &tr.CostUSD, &approvalID, &tr.CreatedAt)
	if err == sql.ErrNoRows {
		return tr, ErrNotFound
	}
	if err != nil {
		return tr, err
	}
	if tr.Artifacts, err = unmarshalArtifacts(artifacts); err != nil {
		return tr, err
	}
	tr.ApprovalID = stringPtr(approvalID)
	return tr, nil
}

// InsertTransition appends a ledger row. Rows are never updated or deleted.
func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, tr domain.TaskTransition) error {
	artifacts, err := marshalArtifacts(tr.Artifacts)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO transitions(id,task_id,from_status,to_status,actor_type,actor_id,idempotency_key,artifacts_json,reason,cost_usd,approval_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		tr.ID, tr.TaskID, tr.FromStatus, tr.ToStatus, tr.ActorType, tr.ActorID, tr.IdempotencyKey, artifacts,
		nullable(tr.Reason), tr.CostUSD, nullableStringPtr(tr.ApprovalID), tr.CreatedAt)
	return err
}

func (r Repo) GetTransitionByKey(ctx context.Context, tx *sql.Tx, key string) (domain.TaskTransition, error) {
	return scanTransition(r.q(tx).QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE idempotency_key=?`, key))
}

// ListTransitions returns a task's ledger in append order.
func (r Repo) ListTransitions(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskTransition, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE task_id=? ORDER BY rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

// LatestTransition returns the most recent ledger row for a task.
func (r Repo) LatestTransition(ctx context.Context, tx *sql.Tx, taskID string) (domain.TaskTransition, error) {
	return scanTransition(r.q(tx).QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE task_id=? ORDER BY rowid DESC LIMIT 1`, taskID))
}
