package repo

import (
	"context"
	"database/sql"

	"foreman/internal/domain"
)

const agentColumns = `id,name,status,budget_daily,budget_per_run,spend_today,spend_reset_at,error_streak,last_heartbeat_at,notification_cursor,created_at,updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var heartbeat sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.BudgetDaily, &a.BudgetPerRun, &a.SpendToday, &a.SpendResetAt, &a.ErrorStreak,
		&heartbeat, &a.NotificationCursor, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.LastHeartbeatAt = stringPtr(heartbeat)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Status, a.BudgetDaily, a.BudgetPerRun, a.SpendToday, a.SpendResetAt, a.ErrorStreak,
		nullableStringPtr(a.LastHeartbeatAt), a.NotificationCursor, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, tx *sql.Tx, status domain.AgentStatus) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id`
	return r.queryAgents(ctx, tx, query, args...)
}

// UpdateAgentLimits rewrites the budget caps of an agent.
func (r Repo) UpdateAgentLimits(ctx context.Context, tx *sql.Tx, id string, daily, perRun float64, at string) error {
	return r.execOne(ctx, tx, `UPDATE agents SET budget_daily=?,budget_per_run=?,updated_at=? WHERE id=?`, daily, perRun, at, id)
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, at string) error {
	return r.execOne(ctx, tx, `UPDATE agents SET status=?,updated_at=? WHERE id=?`, status, at, id)
}

// AddAgentSpend increments spend_today unconditionally.
func (r Repo) AddAgentSpend(ctx context.Context, tx *sql.Tx, id string, amount float64, at string) error {
	return r.execOne(ctx, tx, `UPDATE agents SET spend_today=spend_today+?,updated_at=? WHERE id=?`, amount, at, id)
}

// ResetSpendBefore zeroes spend for agents last reset before dayStart and
// returns how many were reset.
func (r Repo) ResetSpendBefore(ctx context.Context, tx *sql.Tx, dayStart, at string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET spend_today=0,spend_reset_at=?,updated_at=? WHERE spend_reset_at<?`, at, at, dayStart)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ResetAgentSpend(ctx context.Context, tx *sql.Tx, id, at string) error {
	return r.execOne(ctx, tx, `UPDATE agents SET spend_today=0,spend_reset_at=?,updated_at=? WHERE id=?`, at, at, id)
}

func (r Repo) TouchHeartbeat(ctx context.Context, tx *sql.Tx, id, at string, cursor int64) error {
	return r.execOne(ctx, tx, `UPDATE agents SET last_heartbeat_at=?,notification_cursor=?,updated_at=? WHERE id=?`, at, cursor, at, id)
}

func (r Repo) SetErrorStreak(ctx context.Context, tx *sql.Tx, id string, streak int, at string) error {
	return r.execOne(ctx, tx, `UPDATE agents SET error_streak=?,updated_at=? WHERE id=?`, streak, at, id)
}

// ListStaleAgents returns ACTIVE agents whose last heartbeat is older than
// cutoff. Agents that never sent one are judged by their creation time.
func (r Repo) ListStaleAgents(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Agent, error) {
	return r.queryAgents(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE status=? AND COALESCE(last_heartbeat_at, created_at)<? ORDER BY id`,
		domain.AgentActive, cutoff)
}

func (r Repo) queryAgents(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Agent, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
