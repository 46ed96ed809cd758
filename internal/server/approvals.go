package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/repo"
)

type approvalOutput struct {
	Body domain.Approval `json:"body"`
}

type decisionOutput struct {
	Body engine.DecisionResult `json:"body"`
}

type decideInput struct {
	ApprovalID string        `path:"approval_id"`
	Body       DecideRequest `json:"body" required:"false"`
}

// decisionFor maps the caller onto the decider field the ledger records.
func decisionFor(p Principal, reason string) engine.Decision {
	if p.ActorType == domain.ActorAgent {
		return engine.Decision{AgentID: p.ActorID, Reason: reason}
	}
	return engine.Decision{UserID: p.ActorID, Reason: reason}
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Ask for approval of an action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RequestApprovalRequest `json:"body"`
	}) (*approvalOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestApproval(ctx, engine.ApprovalRequest{
			TaskID:        input.Body.TaskID,
			RiskLevel:     input.Body.RiskLevel,
			RequestorType: p.ActorType,
			RequestorID:   p.ActorID,
			ActionType:    input.Body.ActionType,
			ActionSummary: input.Body.ActionSummary,
			Justification: input.Body.Justification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"PENDING,APPROVED,DENIED,CANCELED,EXPIRED"`
		TaskID      string `query:"task_id"`
		RequestorID string `query:"requestor_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Approval `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		items, err := e.ListApprovals(ctx, repo.ApprovalFilters{
			Status:      domain.ApprovalStatus(input.Status),
			TaskID:      input.TaskID,
			RequestorID: input.RequestorID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Approval `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*approvalOutput, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		a, err := e.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &approvalOutput{Body: a}, nil
	})

	decisionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/approve",
		Summary:     "Approve and release a held transition",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *decideInput) (*decisionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, input.ApprovalID, decisionFor(p, input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deny",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/deny",
		Summary:     "Deny and block a held transition",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *decideInput) (*decisionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Deny(ctx, input.ApprovalID, decisionFor(p, input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/cancel",
		Summary:     "Withdraw a pending approval",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *decideInput) (*decisionOutput, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CancelApproval(ctx, input.ApprovalID, p.ActorType, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})
}
