package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/lifecycle"
	"foreman/internal/repo"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task in INBOX",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          input.Body.ID,
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Artifacts:   input.Body.Artifacts,
			ParentID:    input.Body.ParentID,
			DependsOn:   input.Body.DependsOn,
			BudgetUSD:   input.Body.BudgetUSD,
			ActorType:   p.ActorType,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
		Type       string `query:"type" enum:"ENGINEERING,CONTENT,OPS,RESEARCH,DESIGN,SUPPORT"`
		AssigneeID string `query:"assignee_id"`
		ParentID   string `query:"parent_task_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:     domain.Status(input.Status),
			Type:       domain.TaskType(input.Type),
			AssigneeID: input.AssigneeID,
			ParentID:   input.ParentID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNil(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-rules",
		Method:      http.MethodGet,
		Path:        "/lifecycle/rules",
		Summary:     "Transition table: every edge, who may drive it and what it needs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []lifecycle.Rule `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body []lifecycle.Rule `json:"body"`
		}{Body: lifecycle.Rules()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Transition ledger for a task, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body []domain.TaskTransition `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		if _, err := e.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.History(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskTransition `json:"body"`
		}{Body: nonNil(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transitions",
		Summary:     "Request a governed status change",
		Description: "Returns 200 when applied or replayed and 202 when the move is parked for approval.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID         string            `path:"task_id"`
		IdempotencyKey string            `header:"Idempotency-Key"`
		Body           TransitionRequest `json:"body"`
	}) (*transitionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			TaskID:           input.TaskID,
			To:               input.Body.To,
			ActorType:        p.ActorType,
			ActorID:          p.ActorID,
			IdempotencyKey:   key,
			Artifacts:        input.Body.Artifacts,
			Reason:           input.Body.Reason,
			ExpectedFrom:     input.Body.ExpectedFrom,
			CostUSD:          input.Body.CostUSD,
			EstimatedCostUSD: input.Body.EstimatedCostUSD,
			Tool:             input.Body.Tool,
			RunID:            input.Body.RunID,
			Justification:    input.Body.Justification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return transitionResponse(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign agents (INBOX -> ASSIGNED unless expected_from says otherwise)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID         string        `path:"task_id"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           AssignRequest `json:"body"`
	}) (*transitionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		res, err := e.Assign(ctx, engine.AssignRequest{
			TaskID:         input.TaskID,
			AgentIDs:       input.Body.AgentIDs,
			ActorType:      p.ActorType,
			ActorID:        p.ActorID,
			IdempotencyKey: key,
			Reason:         input.Body.Reason,
			ExpectedFrom:   input.Body.ExpectedFrom,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return transitionResponse(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-task-dependency",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/dependencies",
		Summary:     "Add a dependency edge",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   AddDependencyRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddDependency(ctx, input.TaskID, input.Body.DependsOn, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}
