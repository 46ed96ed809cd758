package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"foreman/internal/domain"
	"foreman/internal/repo"
)

// ForbiddenError indicates the actor may not act right now.
type ForbiddenError struct {
	ActorID string
	Reason  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s not permitted: %s", e.ActorID, e.Reason)
}

// Service gates actors against the agent registry.
type Service struct {
	Repo repo.Repo
}

// AuthorizeTransition checks that an AGENT actor is registered and its
// status allows the move. HUMAN and SYSTEM actors are not gated here.
func (s Service) AuthorizeTransition(ctx context.Context, tx *sql.Tx, actorType domain.ActorType, actorID string, from, to domain.Status) error {
	if actorType != domain.ActorAgent {
		return nil
	}
	agent, err := s.Repo.GetAgent(ctx, tx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ForbiddenError{ActorID: actorID, Reason: "agent is not registered"}
		}
		return err
	}
	switch agent.Status {
	case domain.AgentActive:
		return nil
	case domain.AgentDrained:
		if from == domain.StatusInbox && to == domain.StatusAssigned {
			return ForbiddenError{ActorID: actorID, Reason: "drained agents may not claim new work"}
		}
		return nil
	default:
		return ForbiddenError{ActorID: actorID, Reason: fmt.Sprintf("agent is %s", agent.Status)}
	}
}

// AuthorizeDecider checks who may decide an approval: exactly one of agent
// or user must be set, and an agent decider must be ACTIVE and distinct
// from the requestor.
func (s Service) AuthorizeDecider(ctx context.Context, tx *sql.Tx, approval domain.Approval, agentID, userID string) error {
	if (agentID == "") == (userID == "") {
		return ErrDeciderRequired
	}
	if agentID == "" {
		return nil
	}
	if agentID == approval.RequestorID {
		return ForbiddenError{ActorID: agentID, Reason: "requestor may not decide its own approval"}
	}
	agent, err := s.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ForbiddenError{ActorID: agentID, Reason: "agent is not registered"}
		}
		return err
	}
	if agent.Status != domain.AgentActive {
		return ForbiddenError{ActorID: agentID, Reason: fmt.Sprintf("agent is %s", agent.Status)}
	}
	return nil
}

// ErrDeciderRequired is returned when not exactly one decider is named.
var ErrDeciderRequired = errors.New("exactly one of decided_by_agent_id or decided_by_user_id is required")
