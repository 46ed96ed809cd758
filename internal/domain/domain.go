package domain

import "encoding/json"

// Status is a task lifecycle state.
type Status string

const (
	StatusInbox         Status = "INBOX"
	StatusAssigned      Status = "ASSIGNED"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusReview        Status = "REVIEW"
	StatusNeedsApproval Status = "NEEDS_APPROVAL"
	StatusBlocked       Status = "BLOCKED"
	StatusDone          Status = "DONE"
	StatusCanceled      Status = "CANCELED"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{
	StatusInbox, StatusAssigned, StatusInProgress, StatusReview,
	StatusNeedsApproval, StatusBlocked, StatusDone, StatusCanceled,
}

// IsTerminal reports whether the task's work is over. DONE can still be
// reopened by a human, but nothing is pending on it.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCanceled
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type ActorType string

const (
	ActorAgent  ActorType = "AGENT"
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
)

func (a ActorType) Valid() bool {
	return a == ActorAgent || a == ActorHuman || a == ActorSystem
}

type TaskType string

const (
	TaskEngineering TaskType = "ENGINEERING"
	TaskContent     TaskType = "CONTENT"
	TaskOps         TaskType = "OPS"
	TaskResearch    TaskType = "RESEARCH"
	TaskDesign      TaskType = "DESIGN"
	TaskSupport     TaskType = "SUPPORT"
)

var TaskTypes = []TaskType{TaskEngineering, TaskContent, TaskOps, TaskResearch, TaskDesign, TaskSupport}

func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

type RiskLevel string

const (
	RiskGreen  RiskLevel = "GREEN"
	RiskYellow RiskLevel = "YELLOW"
	RiskRed    RiskLevel = "RED"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalCanceled ApprovalStatus = "CANCELED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

type AgentStatus string

const (
	AgentActive      AgentStatus = "ACTIVE"
	AgentPaused      AgentStatus = "PAUSED"
	AgentDrained     AgentStatus = "DRAINED"
	AgentQuarantined AgentStatus = "QUARANTINED"
	AgentOffline     AgentStatus = "OFFLINE"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentPaused, AgentDrained, AgentQuarantined, AgentOffline:
		return true
	}
	return false
}

// Code classifies the outcome of a governed operation.
type Code string

const (
	CodeOK                  Code = "OK"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeActorNotPermitted   Code = "ACTOR_NOT_PERMITTED"
	CodeMissingArtifact     Code = "MISSING_ARTIFACT"
	CodeBudgetExceeded      Code = "BUDGET_EXCEEDED"
	CodeApprovalRequired    Code = "APPROVAL_REQUIRED"
	CodeIdempotencyReplay   Code = "IDEMPOTENCY_REPLAY"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodePolicyDenied        Code = "POLICY_DENIED"
	CodeNotFound            Code = "NOT_FOUND"
)

type Task struct {
	ID              string   `json:"id"`
	Type            TaskType `json:"type" enum:"ENGINEERING,CONTENT,OPS,RESEARCH,DESIGN,SUPPORT"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          Status   `json:"status" enum:"INBOX,ASSIGNED,IN_PROGRESS,REVIEW,NEEDS_APPROVAL,BLOCKED,DONE,CANCELED"`
	Priority        int      `json:"priority" minimum:"1" maximum:"4"`
	AssigneeIDs     []string `json:"assignee_ids"`
	BudgetAllocated float64  `json:"budget_allocated"`
	BudgetRemaining float64  `json:"budget_remaining"`
	ReviewCycles    int      `json:"review_cycles"`
	WorkPlan        string   `json:"work_plan,omitempty"`
	Deliverable     string   `json:"deliverable,omitempty"`
	SelfReview      string   `json:"self_review,omitempty"`
	ReviewChecklist []string `json:"review_checklist,omitempty"`
	ApprovalRecord  string   `json:"approval_record,omitempty"`
	ParentTaskID    *string  `json:"parent_task_id,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	CreatedBy       string   `json:"created_by"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// TaskTransition is an immutable ledger row.
type TaskTransition struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	FromStatus     Status    `json:"from_status"`
	ToStatus       Status    `json:"to_status"`
	ActorType      ActorType `json:"actor_type"`
	ActorID        string    `json:"actor_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Artifacts      Artifacts `json:"artifacts"`
	Reason         string    `json:"reason,omitempty"`
	CostUSD        float64   `json:"cost_usd"`
	ApprovalID     *string   `json:"approval_id,omitempty"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID               string         `json:"id"`
	TaskID           *string        `json:"task_id,omitempty"`
	Status           ApprovalStatus `json:"status" enum:"PENDING,APPROVED,DENIED,CANCELED,EXPIRED"`
	RiskLevel        RiskLevel      `json:"risk_level" enum:"YELLOW,RED"`
	RequestorID      string         `json:"requestor_id"`
	RequestorType    ActorType      `json:"requestor_type"`
	ActionType       string         `json:"action_type"`
	ActionSummary    string         `json:"action_summary"`
	Justification    string         `json:"justification,omitempty"`
	ExpiresAt        string         `json:"expires_at" format:"date-time"`
	DecidedByAgentID *string        `json:"decided_by_agent_id,omitempty"`
	DecidedByUserID  *string        `json:"decided_by_user_id,omitempty"`
	DecisionReason   string         `json:"decision_reason,omitempty"`
	DecidedAt        *string        `json:"decided_at,omitempty" format:"date-time"`
	PendingFrom      *Status        `json:"pending_from,omitempty"`
	PendingTo        *Status        `json:"pending_to,omitempty"`
	PendingArtifacts Artifacts      `json:"pending_artifacts"`
	PendingReason    string         `json:"pending_reason,omitempty"`
	PendingKey       string         `json:"pending_idempotency_key,omitempty"`
	PendingCostUSD   float64        `json:"pending_cost_usd"`
	PendingActorID   string         `json:"pending_actor_id,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

// Holds reports whether the approval gates a held task transition.
func (a Approval) Holds() bool {
	return a.TaskID != nil && a.PendingTo != nil
}

type Agent struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Status             AgentStatus `json:"status" enum:"ACTIVE,PAUSED,DRAINED,QUARANTINED,OFFLINE"`
	BudgetDaily        float64     `json:"budget_daily"`
	BudgetPerRun       float64     `json:"budget_per_run"`
	SpendToday         float64     `json:"spend_today"`
	SpendResetAt       string      `json:"spend_reset_at" format:"date-time"`
	ErrorStreak        int         `json:"error_streak"`
	LastHeartbeatAt    *string     `json:"last_heartbeat_at,omitempty" format:"date-time"`
	NotificationCursor int64       `json:"notification_cursor"`
	CreatedAt          string      `json:"created_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// PolicyRecord is one stored version of a policy document for a scope.
type PolicyRecord struct {
	ID            string          `json:"id"`
	Scope         string          `json:"scope"`
	Version       int             `json:"version"`
	Active        bool            `json:"active"`
	Document      json.RawMessage `json:"document"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	DeactivatedAt *string         `json:"deactivated_at,omitempty" format:"date-time"`
}

type SpendEntry struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agent_id"`
	TaskID       *string `json:"task_id,omitempty"`
	RunID        *string `json:"run_id,omitempty"`
	TransitionID *string `json:"transition_id,omitempty"`
	AmountUSD    float64 `json:"amount_usd"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorType ActorType `json:"actor_type"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt string    `json:"created_at" format:"date-time"`
}
