package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/domain"
	"foreman/internal/engine"
	"foreman/internal/policy"
)

type policyOutput struct {
	Body domain.PolicyRecord `json:"body"`
}

type policyPath struct {
	PolicyID string `path:"policy_id"`
}

func decodePolicy(req CreatePolicyRequest) (policy.Document, error) {
	switch {
	case req.Document != nil && strings.TrimSpace(req.YAML) != "":
		return policy.Document{}, newAPIError(http.StatusBadRequest, "invalid_policy", "send either document or yaml, not both", nil)
	case req.Document != nil:
		raw, err := json.Marshal(req.Document)
		if err != nil {
			return policy.Document{}, newAPIError(http.StatusBadRequest, "invalid_policy", err.Error(), nil)
		}
		doc, err := policy.FromJSON(raw)
		if err != nil {
			return policy.Document{}, newAPIError(http.StatusBadRequest, "invalid_policy", err.Error(), nil)
		}
		return doc, nil
	case strings.TrimSpace(req.YAML) != "":
		doc, err := policy.FromYAML([]byte(req.YAML))
		if err != nil {
			return policy.Document{}, handleError(err)
		}
		return doc, nil
	}
	return policy.Document{}, newAPIError(http.StatusBadRequest, "invalid_policy", "document or yaml required", nil)
}

// evaluationFor turns a dry-run request into the action the engine
// classifies. Transition fields left empty are read from the task.
func evaluationFor(ctx context.Context, e engine.Engine, req EvaluateRequest) (policy.Action, error) {
	set := 0
	for _, present := range []bool{req.Tool != nil, req.Transition != nil, req.Spawn != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, newAPIError(http.StatusBadRequest, "invalid_action", "exactly one of tool, transition or spawn is required", nil)
	}
	switch {
	case req.Tool != nil:
		return *req.Tool, nil
	case req.Spawn != nil:
		return policy.SpawnRequest{
			ParentTaskID: req.Spawn.ParentTaskID,
			Depth:        req.Spawn.Depth,
			Siblings:     req.Spawn.Siblings,
		}, nil
	}
	tr := req.Transition
	action := policy.TransitionRequest{
		TaskID:           tr.TaskID,
		TaskType:         tr.TaskType,
		Priority:         tr.Priority,
		From:             tr.From,
		To:               tr.To,
		EstimatedCostUSD: tr.EstimatedCostUSD,
		Tool:             tr.Tool,
	}
	if tr.TaskID != "" {
		t, err := e.GetTask(ctx, tr.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if action.TaskType == "" {
			action.TaskType = t.Type
		}
		if action.Priority == 0 {
			action.Priority = t.Priority
		}
		if action.From == "" {
			action.From = t.Status
		}
	}
	return action, nil
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Store a new policy version",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreatePolicyRequest `json:"body"`
	}) (*policyOutput, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := decodePolicy(input.Body)
		if err != nil {
			return nil, err
		}
		rec, err := e.CreatePolicy(ctx, engine.PolicyCreateOptions{
			Scope:    input.Body.Scope,
			Document: doc,
			Activate: input.Body.Activate,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List stored policy versions",
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope"`
	}) (*struct {
		Body []domain.PolicyRecord `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		recs, err := e.ListPolicies(ctx, input.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PolicyRecord `json:"body"`
		}{Body: nonNil(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-policy",
		Method:      http.MethodGet,
		Path:        "/policies/active",
		Summary:     "Resolve the document in force for a scope",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope" default:"global"`
	}) (*struct {
		Body ActivePolicyResponse `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		resolved, err := e.ActivePolicy(ctx, input.Scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivePolicyResponse `json:"body"`
		}{Body: ActivePolicyResponse{
			PolicyID: resolved.PolicyID,
			Scope:    resolved.Scope,
			Version:  resolved.Version,
			Document: resolved.Document,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-policy",
		Method:      http.MethodPost,
		Path:        "/policies/{policy_id}/activate",
		Summary:     "Activate a stored version",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *policyPath) (*policyOutput, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.ActivatePolicy(ctx, input.PolicyID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-policy",
		Method:      http.MethodPost,
		Path:        "/policies/{policy_id}/deactivate",
		Summary:     "Retire a stored version",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *policyPath) (*policyOutput, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.DeactivatePolicy(ctx, input.PolicyID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-policy",
		Method:      http.MethodPost,
		Path:        "/policies/evaluate",
		Summary:     "Dry-run the policy engine",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body policy.Decision `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		action, err := evaluationFor(ctx, e, input.Body)
		if err != nil {
			return nil, err
		}
		actor := policy.Actor{Type: p.ActorType, ID: p.ActorID, RemainingBudgetUSD: input.Body.RemainingBudgetUSD}
		if input.Body.ActorType != "" {
			actor.Type = input.Body.ActorType
			actor.ID = input.Body.ActorID
		}
		scope := input.Body.Scope
		if scope == "" {
			scope = policy.GlobalScope
			if tr, ok := action.(policy.TransitionRequest); ok && tr.TaskType != "" {
				scope = string(tr.TaskType)
			}
		}
		d, err := e.EvaluateAction(ctx, scope, actor, action)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body policy.Decision `json:"body"`
		}{Body: d}, nil
	})
}
