package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"foreman/internal/budget"
	"foreman/internal/domain"
	"foreman/internal/engine"
)

type agentPath struct {
	AgentID string `path:"agent_id"`
}

type agentOutput struct {
	Body domain.Agent `json:"body"`
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*agentOutput, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAgent(ctx, engine.AgentOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			BudgetDaily:  input.Body.BudgetDaily,
			BudgetPerRun: input.Body.BudgetPerRun,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"ACTIVE,PAUSED,DRAINED,QUARANTINED,OFFLINE"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		agents, err := e.ListAgents(ctx, domain.AgentStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: nonNil(agents)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*agentOutput, error) {
		if _, err := principalFromContext(ctx); err != nil {
			return nil, err
		}
		a, err := e.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Pause, drain, quarantine or reactivate an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string                `path:"agent_id"`
		Body    SetAgentStatusRequest `json:"body"`
	}) (*agentOutput, error) {
		p, authErr := requireOperator(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetAgentStatus(ctx, input.AgentID, input.Body.Status, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-limits",
		Method:      http.MethodPut,
		Path:        "/agents/{agent_id}/limits",
		Summary:     "Replace an agent's budget limits",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    AgentLimitsRequest `json:"body"`
	}) (*agentOutput, error) {
		if _, authErr := requireOperator(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateAgentLimits(ctx, input.AgentID, input.Body.BudgetDaily, input.Body.BudgetPerRun)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Check in and fetch the agent's work queue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body engine.HeartbeatResult `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrOperator(ctx, input.AgentID); authErr != nil {
			return nil, authErr
		}
		res, err := e.Heartbeat(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		res.PendingTasks = nonNil(res.PendingTasks)
		res.ClaimableTasks = nonNil(res.ClaimableTasks)
		res.PendingApprovals = nonNil(res.PendingApprovals)
		res.PendingNotifications = nonNil(res.PendingNotifications)
		return &struct {
			Body engine.HeartbeatResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-run-outcome",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/runs",
		Summary:     "Report whether a run succeeded",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    RunOutcomeRequest `json:"body"`
	}) (*agentOutput, error) {
		if _, authErr := requireSelfOrOperator(ctx, input.AgentID); authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordRunOutcome(ctx, input.AgentID, input.Body.OK)
		if err != nil {
			return nil, handleError(err)
		}
		return &agentOutput{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-spend",
		Method:        http.MethodPost,
		Path:          "/agents/{agent_id}/spend",
		Summary:       "Record spend already incurred",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    RecordSpendRequest `json:"body"`
	}) (*struct {
		Body engine.SpendResult `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrOperator(ctx, input.AgentID); authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordSpend(ctx, engine.SpendRequest{
			AgentID:   input.AgentID,
			AmountUSD: input.Body.AmountUSD,
			TaskID:    input.Body.TaskID,
			RunID:     input.Body.RunID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SpendResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "spend-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/spend",
		Summary:     "Spend ledger for an agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body SpendResponse `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrOperator(ctx, input.AgentID); authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.SpendHistory(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.SpendTotal(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpendResponse `json:"body"`
		}{Body: SpendResponse{Entries: nonNil(entries), Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-budget",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/budget/check",
		Summary:     "Ask whether an amount fits the agent's remaining budget",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    CheckBudgetRequest `json:"body"`
	}) (*struct {
		Body budget.Check `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrOperator(ctx, input.AgentID); authErr != nil {
			return nil, authErr
		}
		check, err := e.CheckAndReserve(ctx, input.AgentID, input.Body.AmountUSD)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body budget.Check `json:"body"`
		}{Body: check}, nil
	})
}
