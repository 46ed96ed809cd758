package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the outbox.
const (
	TaskCreated         = "task.created"
	TaskTransitioned    = "task.transitioned"
	TaskDependencyAdded = "task.dependency_added"
	ApprovalRequested   = "approval.requested"
	ApprovalApproved    = "approval.approved"
	ApprovalDenied      = "approval.denied"
	ApprovalCanceled    = "approval.canceled"
	ApprovalExpired     = "approval.expired"
	AgentRegistered     = "agent.registered"
	AgentStatusChanged  = "agent.status_changed"
	AgentBudgetExceeded = "agent.budget_exceeded"
	AgentSpendReset     = "agent.spend_reset"
	SpendRecorded       = "spend.recorded"
	PolicyCreated       = "policy.created"
	PolicyActivated     = "policy.activated"
	PolicyDeactivated   = "policy.deactivated"
	APIKeyCreated       = "api_key.created"
	APIKeyRevoked       = "api_key.revoked"
	EntityTask          = "task"
	EntityApproval      = "approval"
	EntityAgent         = "agent"
	EntityPolicy        = "policy"
	EntityAPIKey        = "api_key"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the
// state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
