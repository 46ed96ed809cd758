package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"foreman/internal/domain"
	"foreman/internal/events"
	"foreman/internal/policy"
	"foreman/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Type        domain.TaskType
	Title       string
	Description string
	Priority    int
	Artifacts   domain.Artifacts
	ParentID    string
	DependsOn   []string
	// BudgetUSD nil takes the policy's budgetDefaults.taskUsd.
	BudgetUSD *float64
	ActorType domain.ActorType
	ActorID   string
}

// CreateTask stores a task in INBOX. Agent-created subtasks are checked
// against the policy's spawn limits.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		opts.Type = domain.TaskEngineering
	}
	if !opts.Type.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown task type %q", ErrInvalidInput, opts.Type)
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if opts.Priority == 0 {
		opts.Priority = 3
	}
	if opts.Priority < 1 || opts.Priority > 4 {
		return domain.Task{}, fmt.Errorf("%w: priority must be between 1 and 4", ErrInvalidInput)
	}
	if opts.ActorType == "" {
		opts.ActorType = domain.ActorHuman
	}
	if !opts.ActorType.Valid() || opts.ActorID == "" {
		return domain.Task{}, fmt.Errorf("%w: actor type and id are required", ErrInvalidInput)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	for _, dep := range opts.DependsOn {
		if dep == opts.ID {
			return domain.Task{}, fmt.Errorf("%w: task cannot depend on itself", ErrInvalidInput)
		}
	}

	resolved, err := e.ActivePolicy(ctx, string(opts.Type))
	if err != nil {
		return domain.Task{}, err
	}
	taskBudget := resolved.Document.BudgetDefaults.TaskUSD
	if opts.BudgetUSD != nil {
		taskBudget = *opts.BudgetUSD
	}
	if taskBudget < 0 {
		return domain.Task{}, fmt.Errorf("%w: budget must not be negative", ErrInvalidInput)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if opts.ParentID != "" {
		if _, err := e.Repo.GetTask(ctx, tx, opts.ParentID); err != nil {
			return domain.Task{}, fmt.Errorf("parent %s: %w", opts.ParentID, err)
		}
		if err := e.ensureNoCycle(ctx, tx, opts.ParentID, opts.ID); err != nil {
			return domain.Task{}, err
		}
		if opts.ActorType == domain.ActorAgent {
			if err := e.checkSpawn(ctx, tx, resolved.Document, opts); err != nil {
				return domain.Task{}, err
			}
		}
	}
	if missing, err := e.Repo.MissingTask(ctx, tx, opts.DependsOn); err != nil {
		return domain.Task{}, err
	} else if missing != "" {
		return domain.Task{}, fmt.Errorf("dependency %s: %w", missing, repo.ErrNotFound)
	}

	now := e.ts()
	a := opts.Artifacts
	t := domain.Task{
		ID:              opts.ID,
		Type:            opts.Type,
		Title:           opts.Title,
		Description:     opts.Description,
		Status:          domain.StatusInbox,
		Priority:        opts.Priority,
		AssigneeIDs:     a.AssigneeIDs,
		BudgetAllocated: taskBudget,
		BudgetRemaining: taskBudget,
		WorkPlan:        a.WorkPlan,
		Deliverable:     a.Deliverable,
		SelfReview:      a.SelfReview,
		ReviewChecklist: a.ReviewChecklist,
		ApprovalRecord:  a.ApprovalRecord,
		ParentTaskID:    optionalString(opts.ParentID),
		DependsOn:       opts.DependsOn,
		CreatedBy:       opts.ActorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TaskCreated, events.EntityTask, t.ID, opts.ActorID, events.EventPayload{
		"type": t.Type, "title": t.Title, "priority": t.Priority, "parent_task_id": opts.ParentID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, nil, t.ID)
}

func (e Engine) checkSpawn(ctx context.Context, tx *sql.Tx, doc policy.Document, opts TaskCreateOptions) error {
	depth := 1
	cur := opts.ParentID
	for {
		parent, err := e.Repo.ParentOf(ctx, tx, cur)
		if err != nil {
			return err
		}
		if parent == "" {
			break
		}
		depth++
		cur = parent
	}
	children, err := e.Repo.ListChildren(ctx, tx, opts.ParentID)
	if err != nil {
		return err
	}
	d := e.evaluate(ctx, doc, policy.Actor{Type: opts.ActorType, ID: opts.ActorID}, policy.SpawnRequest{
		ParentTaskID: opts.ParentID,
		Depth:        depth,
		Siblings:     len(children),
	})
	if d.Verdict == policy.Deny {
		return PolicyDeniedError{Rule: d.Rule, Reason: d.Reason}
	}
	return nil
}

// ensureNoCycle climbs the parent chain to make sure childID is not an
// ancestor of parentID.
func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	cur := parentID
	for cur != "" {
		if cur == childID {
			return errors.New("task hierarchy cycle detected")
		}
		parent, err := e.Repo.ParentOf(ctx, tx, cur)
		if err != nil {
			return err
		}
		cur = parent
	}
	return nil
}

// AddDependency records that taskID waits for dependsOn, rejecting edges
// that would close a cycle in the dependency graph.
func (e Engine) AddDependency(ctx context.Context, taskID, dependsOn, actorID string) (domain.Task, error) {
	if taskID == dependsOn {
		return domain.Task{}, ErrDependencyCycle
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if missing, err := e.Repo.MissingTask(ctx, tx, []string{taskID, dependsOn}); err != nil {
		return domain.Task{}, err
	} else if missing != "" {
		return domain.Task{}, fmt.Errorf("task %s: %w", missing, repo.ErrNotFound)
	}
	reaches, err := e.dependsTransitively(ctx, tx, dependsOn, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if reaches {
		return domain.Task{}, ErrDependencyCycle
	}
	if err := e.Repo.AddDependencies(ctx, tx, taskID, []string{dependsOn}); err != nil {
		return domain.Task{}, err
	}
	if err := e.appendEvent(ctx, tx, events.TaskDependencyAdded, events.EntityTask, taskID, actorID, events.EventPayload{"depends_on": dependsOn}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, nil, taskID)
}

// dependsTransitively reports whether from reaches target through task_deps.
func (e Engine) dependsTransitively(ctx context.Context, tx *sql.Tx, from, target string) (bool, error) {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		deps, err := e.Repo.ListDependencies(ctx, tx, cur)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}
	return false, nil
}

func (e Engine) dependenciesDone(ctx context.Context, tx *sql.Tx, t domain.Task) (bool, error) {
	for _, dep := range t.DependsOn {
		d, err := e.Repo.GetTask(ctx, tx, dep)
		if err != nil {
			return false, err
		}
		if d.Status != domain.StatusDone {
			return false, nil
		}
	}
	return true, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

// History returns the task's transition ledger in append order.
func (e Engine) History(ctx context.Context, taskID string) ([]domain.TaskTransition, error) {
	if _, err := e.Repo.GetTask(ctx, nil, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, nil, taskID)
}
