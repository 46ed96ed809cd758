package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

func (r Repo) InsertSpendEntry(ctx context.Context, tx *sql.Tx, s domain.SpendEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO spend_entries(id,agent_id,task_id,run_id,transition_id,amount_usd,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.AgentID, nullableStringPtr(s.TaskID), nullableStringPtr(s.RunID), nullableStringPtr(s.TransitionID), s.AmountUSD, s.CreatedAt)
	return err
}

// ListSpendEntries returns an agent's entries at or after since, oldest first.
func (r Repo) ListSpendEntries(ctx context.Context, tx *sql.Tx, agentID, since string, limit int) ([]domain.SpendEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,agent_id,task_id,run_id,transition_id,amount_usd,created_at FROM spend_entries
WHERE agent_id=? AND created_at>=? ORDER BY created_at ASC, rowid ASC LIMIT ?`, agentID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpendEntry
	for rows.Next() {
		var s domain.SpendEntry
		var taskID, runID, transitionID sql.NullString
		if err := rows.Scan(&s.ID, &s.AgentID, &taskID, &runID, &transitionID, &s.AmountUSD, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.TaskID = stringPtr(taskID)
		s.RunID = stringPtr(runID)
		s.TransitionID = stringPtr(transitionID)
		res = append(res, s)
	}
	return res, rows.Err()
}

// SumSpendSince totals an agent's entries at or after since.
func (r Repo) SumSpendSince(ctx context.Context, tx *sql.Tx, agentID, since string) (float64, error) {
	var total float64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(SUM(amount_usd),0) FROM spend_entries WHERE agent_id=? AND created_at>=?`, agentID, since).Scan(&total)
	return total, err
}
