package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"foreman/internal/domain"
)

const taskColumns = `id,type,title,COALESCE(description,''),status,priority,budget_allocated,budget_remaining,review_cycles,
COALESCE(work_plan,''),COALESCE(deliverable,''),COALESCE(self_review,''),review_checklist_json,COALESCE(approval_record,''),
parent_task_id,created_by,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var checklist, parent, completed sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.Title, &t.Description, &t.Status, &t.Priority, &t.BudgetAllocated, &t.BudgetRemaining,
		&t.ReviewCycles, &t.WorkPlan, &t.Deliverable, &t.SelfReview, &checklist, &t.ApprovalRecord,
		&parent, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if checklist.Valid && checklist.String != "" {
		if err := json.Unmarshal([]byte(checklist.String), &t.ReviewChecklist); err != nil {
			return t, fmt.Errorf("decode review checklist: %w", err)
		}
	}
	t.ParentTaskID = stringPtr(parent)
	t.CompletedAt = stringPtr(completed)
	return t, nil
}

func checklistJSON(items []string) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal review checklist: %w", err)
	}
	return string(data), nil
}

// InsertTask stores a new task with its assignees and dependencies.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	checklist, err := checklistJSON(t.ReviewChecklist)
	if err != nil {
		return err
	}
	q := r.q(tx)
	_, err = q.ExecContext(ctx, `INSERT INTO tasks(id,type,title,description,status,priority,budget_allocated,budget_remaining,review_cycles,
work_plan,deliverable,self_review,review_checklist_json,approval_record,parent_task_id,created_by,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Title, nullable(t.Description), t.Status, t.Priority, t.BudgetAllocated, t.BudgetRemaining, t.ReviewCycles,
		nullable(t.WorkPlan), nullable(t.Deliverable), nullable(t.SelfReview), checklist, nullable(t.ApprovalRecord),
		nullableStringPtr(t.ParentTaskID), t.CreatedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	if err != nil {
		return err
	}
	if err := r.SetAssignees(ctx, tx, t.ID, t.AssigneeIDs); err != nil {
		return err
	}
	return r.AddDependencies(ctx, tx, t.ID, t.DependsOn)
}

// UpdateTaskFields writes every mutable column except status.
func (r Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	checklist, err := checklistJSON(t.ReviewChecklist)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET title=?,description=?,priority=?,budget_allocated=?,budget_remaining=?,review_cycles=?,
work_plan=?,deliverable=?,self_review=?,review_checklist_json=?,approval_record=?,updated_at=?,completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Priority, t.BudgetAllocated, t.BudgetRemaining, t.ReviewCycles,
		nullable(t.WorkPlan), nullable(t.Deliverable), nullable(t.SelfReview), checklist, nullable(t.ApprovalRecord),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetStatus moves the task from -> to only if it is still in from.
// It reports false when another writer got there first.
func (r Repo) CompareAndSetStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	q := r.q(tx)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	if t.AssigneeIDs, err = r.ListAssignees(ctx, tx, id); err != nil {
		return t, err
	}
	if t.DependsOn, err = r.ListDependencies(ctx, tx, id); err != nil {
		return t, err
	}
	return t, nil
}

type TaskFilters struct {
	Status     domain.Status
	Type       domain.TaskType
	AssigneeID string
	ParentID   string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM task_assignees WHERE agent_id=?)")
		args = append(args, f.AssigneeID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY priority ASC, created_at ASC, id ASC LIMIT ?`,
		taskColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].AssigneeIDs, err = r.ListAssignees(ctx, tx, res[i].ID); err != nil {
			return nil, err
		}
		if res[i].DependsOn, err = r.ListDependencies(ctx, tx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SetAssignees replaces the assignee set, keeping the given order.
func (r Repo) SetAssignees(ctx context.Context, tx *sql.Tx, taskID string, agentIDs []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id=?`, taskID); err != nil {
		return err
	}
	seen := map[string]bool{}
	pos := 0
	for _, id := range agentIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := q.ExecContext(ctx, `INSERT INTO task_assignees(task_id,agent_id,position) VALUES (?,?,?)`, taskID, id, pos); err != nil {
			return err
		}
		pos++
	}
	return nil
}

func (r Repo) ListAssignees(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listStrings(ctx, tx, `SELECT agent_id FROM task_assignees WHERE task_id=? ORDER BY position`, taskID)
}

func (r Repo) ListDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listStrings(ctx, tx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListChildren(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listStrings(ctx, tx, `SELECT id FROM tasks WHERE parent_task_id=? ORDER BY created_at, id`, taskID)
}

// ParentOf returns the parent id, or "" for a root task.
func (r Repo) ParentOf(ctx context.Context, tx *sql.Tx, taskID string) (string, error) {
	var parent sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT parent_task_id FROM tasks WHERE id=?`, taskID).Scan(&parent)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return parent.String, nil
}

// MissingTask returns the first id that names no stored task, or "".
func (r Repo) MissingTask(ctx context.Context, tx *sql.Tx, ids []string) (string, error) {
	for _, id := range ids {
		var one int
		err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var st domain.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		res[st] = n
	}
	return res, rows.Err()
}

func (r Repo) listStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
