package server

import (
	"foreman/internal/domain"
	"foreman/internal/policy"
)

// Request payloads

type CreateTaskRequest struct {
	ID          string           `json:"id,omitempty"`
	Type        domain.TaskType  `json:"type,omitempty" enum:"ENGINEERING,CONTENT,OPS,RESEARCH,DESIGN,SUPPORT"`
	Title       string           `json:"title" minLength:"1"`
	Description string           `json:"description,omitempty"`
	Priority    int              `json:"priority,omitempty" minimum:"0" maximum:"4"`
	Artifacts   domain.Artifacts `json:"artifacts,omitempty"`
	ParentID    string           `json:"parent_task_id,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty"`
	BudgetUSD   *float64         `json:"budget_usd,omitempty" minimum:"0"`
}

type TransitionRequest struct {
	To               domain.Status          `json:"to_status" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	IdempotencyKey   string                 `json:"idempotency_key,omitempty"`
	Artifacts        domain.Artifacts       `json:"artifacts,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	ExpectedFrom     domain.Status          `json:"expected_from" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	CostUSD          float64                `json:"cost_usd,omitempty" minimum:"0"`
	EstimatedCostUSD float64                `json:"estimated_cost_usd,omitempty" minimum:"0"`
	Tool             *policy.ToolInvocation `json:"tool,omitempty"`
	RunID            string                 `json:"run_id,omitempty"`
	Justification    string                 `json:"justification,omitempty"`
}

type AssignRequest struct {
	AgentIDs       []string      `json:"agent_ids" minItems:"1"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ExpectedFrom   domain.Status `json:"expected_from,omitempty" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED" doc:"defaults to INBOX"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on" minLength:"1"`
}

type RequestApprovalRequest struct {
	TaskID        string           `json:"task_id,omitempty"`
	RiskLevel     domain.RiskLevel `json:"risk_level,omitempty" enum:"YELLOW,RED"`
	ActionType    string           `json:"action_type" minLength:"1"`
	ActionSummary string           `json:"action_summary" minLength:"1"`
	Justification string           `json:"justification,omitempty"`
}

type DecideRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RegisterAgentRequest struct {
	ID           string   `json:"id" minLength:"1"`
	Name         string   `json:"name,omitempty"`
	BudgetDaily  *float64 `json:"budget_daily,omitempty" minimum:"0"`
	BudgetPerRun *float64 `json:"budget_per_run,omitempty" minimum:"0"`
}

type SetAgentStatusRequest struct {
	Status domain.AgentStatus `json:"status" enum:"ACTIVE,PAUSED,DRAINED,QUARANTINED,OFFLINE"`
	Reason string             `json:"reason,omitempty"`
}

type AgentLimitsRequest struct {
	BudgetDaily  float64 `json:"budget_daily" minimum:"0"`
	BudgetPerRun float64 `json:"budget_per_run" minimum:"0"`
}

type RunOutcomeRequest struct {
	OK bool `json:"ok"`
}

type RecordSpendRequest struct {
	AmountUSD float64 `json:"amount_usd" minimum:"0"`
	TaskID    string  `json:"task_id,omitempty"`
	RunID     string  `json:"run_id,omitempty"`
}

type CheckBudgetRequest struct {
	AmountUSD float64 `json:"amount_usd" minimum:"0"`
}

// CreatePolicyRequest carries the document either as a JSON object or as
// YAML text.
type CreatePolicyRequest struct {
	Scope    string         `json:"scope,omitempty"`
	Document map[string]any `json:"document,omitempty"`
	YAML     string         `json:"yaml,omitempty"`
	Activate bool           `json:"activate,omitempty"`
}

// EvaluateRequest is a policy dry run. Exactly one of Tool, Transition or
// Spawn is set. The actor defaults to the caller.
type EvaluateRequest struct {
	Scope              string                 `json:"scope,omitempty"`
	ActorType          domain.ActorType       `json:"actor_type,omitempty" enum:"AGENT,HUMAN,SYSTEM"`
	ActorID            string                 `json:"actor_id,omitempty"`
	RemainingBudgetUSD *float64               `json:"remaining_budget_usd,omitempty"`
	Tool               *policy.ToolInvocation `json:"tool,omitempty"`
	Transition         *EvaluateTransition    `json:"transition,omitempty"`
	Spawn              *EvaluateSpawn         `json:"spawn,omitempty"`
}

type EvaluateTransition struct {
	TaskID           string                 `json:"task_id,omitempty"`
	TaskType         domain.TaskType        `json:"task_type,omitempty" enum:"ENGINEERING,CONTENT,OPS,RESEARCH,DESIGN,SUPPORT"`
	Priority         int                    `json:"priority,omitempty"`
	From             domain.Status          `json:"from" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	To               domain.Status          `json:"to" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	EstimatedCostUSD float64                `json:"estimated_cost_usd,omitempty"`
	Tool             *policy.ToolInvocation `json:"tool,omitempty"`
}

type EvaluateSpawn struct {
	ParentTaskID string `json:"parent_task_id,omitempty"`
	Depth        int    `json:"depth"`
	Siblings     int    `json:"siblings,omitempty"`
}

// Response payloads

type SpendResponse struct {
	Entries []domain.SpendEntry `json:"entries"`
	Total   float64             `json:"total_usd"`
}

type ActivePolicyResponse struct {
	PolicyID string          `json:"policy_id,omitempty"`
	Scope    string          `json:"scope"`
	Version  int             `json:"version"`
	Document policy.Document `json:"document"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
