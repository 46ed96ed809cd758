package foremansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Foreman HTTP API client. Agents usually authenticate
// with APIKey; operators with BearerToken.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Priority        int      `json:"priority"`
	AssigneeIDs     []string `json:"assignee_ids"`
	BudgetRemaining float64  `json:"budget_remaining"`
	ParentTaskID    string   `json:"parent_task_id,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
}

// Artifacts is the evidence a transition carries.
type Artifacts struct {
	AssigneeIDs     []string `json:"assigneeIds,omitempty"`
	WorkPlan        string   `json:"workPlan,omitempty"`
	Deliverable     string   `json:"deliverable,omitempty"`
	SelfReview      string   `json:"selfReview,omitempty"`
	ReviewChecklist []string `json:"reviewChecklist,omitempty"`
	ApprovalRecord  string   `json:"approvalRecord,omitempty"`
}

// Tool describes the tool call motivating a transition.
type Tool struct {
	Tool             string   `json:"tool"`
	Command          string   `json:"command,omitempty"`
	Shell            bool     `json:"shell,omitempty"`
	Paths            []string `json:"paths,omitempty"`
	Write            bool     `json:"write,omitempty"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd,omitempty"`
}

type TransitionRequest struct {
	To               string     `json:"to_status"`
	IdempotencyKey   string     `json:"idempotency_key"`
	Artifacts        *Artifacts `json:"artifacts,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	ExpectedFrom     string     `json:"expected_from"`
	CostUSD          float64    `json:"cost_usd,omitempty"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd,omitempty"`
	Tool             *Tool      `json:"tool,omitempty"`
	RunID            string     `json:"run_id,omitempty"`
	Justification    string     `json:"justification,omitempty"`
}

// TransitionResult is returned for applied, replayed and held moves.
// Rejections come back as *APIError.
type TransitionResult struct {
	Success         bool      `json:"success"`
	Code            string    `json:"code"`
	Task            *Task     `json:"task,omitempty"`
	Approval        *Approval `json:"approval,omitempty"`
	Replayed        bool      `json:"replayed"`
	BudgetRemaining *float64  `json:"budget_remaining,omitempty"`
}

// Held reports whether the move is waiting in NEEDS_APPROVAL.
func (r TransitionResult) Held() bool { return r.Code == "APPROVAL_REQUIRED" }

type Approval struct {
	ID            string `json:"id"`
	TaskID        string `json:"task_id,omitempty"`
	Status        string `json:"status"`
	RiskLevel     string `json:"risk_level"`
	RequestorID   string `json:"requestor_id"`
	ActionType    string `json:"action_type"`
	ActionSummary string `json:"action_summary"`
	ExpiresAt     string `json:"expires_at"`
}

type Agent struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	BudgetDaily  float64 `json:"budget_daily"`
	BudgetPerRun float64 `json:"budget_per_run"`
	SpendToday   float64 `json:"spend_today"`
	ErrorStreak  int     `json:"error_streak"`
}

// Heartbeat is an agent's work queue.
type Heartbeat struct {
	Agent                Agent      `json:"agent"`
	PendingTasks         []Task     `json:"pending_tasks"`
	ClaimableTasks       []Task     `json:"claimable_tasks"`
	PendingApprovals     []Approval `json:"pending_approvals"`
	PendingNotifications []Event    `json:"pending_notifications"`
}

type SpendResult struct {
	SpendToday      float64 `json:"spend_today"`
	BudgetRemaining float64 `json:"budget_remaining"`
	BudgetExceeded  bool    `json:"budget_exceeded"`
}

type BudgetCheck struct {
	OK           bool    `json:"ok"`
	RemainingUSD float64 `json:"remaining_usd"`
	Reason       string  `json:"reason,omitempty"`
}

// Decision is a policy verdict.
type Decision struct {
	Verdict string `json:"verdict"`
	Risk    string `json:"risk"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in INBOX.
func (c *Client) CreateTask(ctx context.Context, title, taskType string) (Task, error) {
	body := map[string]any{
		"title": title,
		"type":  taskType,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition requests a governed status change. ExpectedFrom is required;
// Move fills it from a fetched task. A move held for approval is not an
// error; check Held.
func (c *Client) Transition(ctx context.Context, taskID string, req TransitionRequest) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/transitions", url.PathEscape(taskID)), req, &resp)
	return resp, err
}

// Move requests a transition from the status the caller last saw on task.
func (c *Client) Move(ctx context.Context, task Task, req TransitionRequest) (TransitionResult, error) {
	req.ExpectedFrom = task.Status
	return c.Transition(ctx, task.ID, req)
}

// Claim assigns the task to agentIDs.
func (c *Client) Claim(ctx context.Context, taskID, idempotencyKey string, agentIDs ...string) (TransitionResult, error) {
	body := map[string]any{
		"agent_ids":       agentIDs,
		"idempotency_key": idempotencyKey,
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/assign", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// RequestApproval asks for approval of an action outside a task move.
func (c *Client) RequestApproval(ctx context.Context, taskID, risk, actionType, summary, justification string) (Approval, error) {
	body := map[string]any{
		"task_id":        taskID,
		"risk_level":     risk,
		"action_type":    actionType,
		"action_summary": summary,
		"justification":  justification,
	}
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", body, &resp)
	return resp, err
}

func (c *Client) GetApproval(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "approvals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve decides a pending approval as the authenticated caller.
func (c *Client) Approve(ctx context.Context, id, reason string) (Approval, error) {
	return c.decide(ctx, id, "approve", reason)
}

func (c *Client) Deny(ctx context.Context, id, reason string) (Approval, error) {
	return c.decide(ctx, id, "deny", reason)
}

func (c *Client) decide(ctx context.Context, id, verb, reason string) (Approval, error) {
	var resp struct {
		Approval Approval `json:"approval"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/%s", url.PathEscape(id), verb), map[string]any{"reason": reason}, &resp)
	return resp.Approval, err
}

// Heartbeat checks the agent in and returns its work queue.
func (c *Client) Heartbeat(ctx context.Context, agentID string) (Heartbeat, error) {
	var resp Heartbeat
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/heartbeat", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

func (c *Client) RecordSpend(ctx context.Context, agentID string, amountUSD float64, taskID, runID string) (SpendResult, error) {
	body := map[string]any{
		"amount_usd": amountUSD,
		"task_id":    taskID,
		"run_id":     runID,
	}
	var resp SpendResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/spend", url.PathEscape(agentID)), body, &resp)
	return resp, err
}

// CheckBudget asks whether amountUSD fits the agent's remaining budget.
func (c *Client) CheckBudget(ctx context.Context, agentID string, amountUSD float64) (BudgetCheck, error) {
	var resp BudgetCheck
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/budget/check", url.PathEscape(agentID)), map[string]any{"amount_usd": amountUSD}, &resp)
	return resp, err
}

// ReportRun records a run outcome for the agent's error streak.
func (c *Client) ReportRun(ctx context.Context, agentID string, ok bool) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/runs", url.PathEscape(agentID)), map[string]any{"ok": ok}, &resp)
	return resp, err
}

// EvaluateTool dry-runs the policy for a tool call by the caller.
func (c *Client) EvaluateTool(ctx context.Context, tool Tool) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "policies/evaluate", map[string]any{"tool": tool}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
