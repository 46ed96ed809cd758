// Package lifecycle holds the task state machine: a static table of legal
// status edges and the pure validator every transition passes through.
package lifecycle

import (
	"fmt"

	"foreman/internal/domain"
)

// Rule describes one legal edge of the task state machine.
type Rule struct {
	From     domain.Status        `json:"from"`
	To       domain.Status        `json:"to"`
	Actors   []domain.ActorType   `json:"actors"`
	Requires []domain.ArtifactKey `json:"requires,omitempty"`
}

// Violation is a single reason a transition was rejected.
type Violation struct {
	Code     domain.Code        `json:"code"`
	Message  string             `json:"message"`
	Artifact domain.ArtifactKey `json:"artifact,omitempty"`
}

var (
	agent  = domain.ActorAgent
	human  = domain.ActorHuman
	system = domain.ActorSystem

	ahs = []domain.ActorType{agent, human, system}
	ah  = []domain.ActorType{agent, human}
	hs  = []domain.ActorType{human, system}
	h   = []domain.ActorType{human}
	s   = []domain.ActorType{system}
)

func needs(keys ...domain.ArtifactKey) []domain.ArtifactKey { return keys }

var rules = []Rule{
	{domain.StatusInbox, domain.StatusAssigned, ahs, needs(domain.ArtifactAssigneeIDs)},
	{domain.StatusInbox, domain.StatusBlocked, hs, nil},
	{domain.StatusInbox, domain.StatusCanceled, hs, nil},
	{domain.StatusInbox, domain.StatusNeedsApproval, s, nil},

	{domain.StatusAssigned, domain.StatusInProgress, ah, needs(domain.ArtifactWorkPlan)},
	{domain.StatusAssigned, domain.StatusInbox, ahs, nil},
	{domain.StatusAssigned, domain.StatusBlocked, ahs, nil},
	{domain.StatusAssigned, domain.StatusCanceled, hs, nil},
	{domain.StatusAssigned, domain.StatusNeedsApproval, s, nil},

	{domain.StatusInProgress, domain.StatusReview, ah, needs(domain.ArtifactDeliverable, domain.ArtifactSelfReview)},
	{domain.StatusInProgress, domain.StatusAssigned, hs, needs(domain.ArtifactAssigneeIDs)},
	{domain.StatusInProgress, domain.StatusBlocked, ahs, nil},
	{domain.StatusInProgress, domain.StatusCanceled, hs, nil},
	{domain.StatusInProgress, domain.StatusNeedsApproval, s, nil},

	{domain.StatusReview, domain.StatusDone, h, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusReview, domain.StatusInProgress, ah, needs(domain.ArtifactReviewChecklist)},
	{domain.StatusReview, domain.StatusBlocked, hs, nil},
	{domain.StatusReview, domain.StatusCanceled, h, nil},
	{domain.StatusReview, domain.StatusNeedsApproval, s, nil},

	{domain.StatusNeedsApproval, domain.StatusAssigned, hs, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusNeedsApproval, domain.StatusInProgress, hs, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusNeedsApproval, domain.StatusReview, hs, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusNeedsApproval, domain.StatusDone, hs, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusNeedsApproval, domain.StatusBlocked, hs, needs(domain.ArtifactApprovalRecord)},
	{domain.StatusNeedsApproval, domain.StatusCanceled, hs, needs(domain.ArtifactApprovalRecord)},

	{domain.StatusBlocked, domain.StatusInbox, hs, nil},
	{domain.StatusBlocked, domain.StatusAssigned, hs, needs(domain.ArtifactAssigneeIDs)},
	{domain.StatusBlocked, domain.StatusInProgress, ah, nil},
	{domain.StatusBlocked, domain.StatusCanceled, hs, nil},
	{domain.StatusBlocked, domain.StatusNeedsApproval, s, nil},

	{domain.StatusDone, domain.StatusReview, h, nil},
	{domain.StatusDone, domain.StatusCanceled, h, nil},
}

type edge struct {
	from, to domain.Status
}

var ruleIndex = indexRules(rules)

func indexRules(in []Rule) map[edge]Rule {
	idx := make(map[edge]Rule, len(in))
	for _, r := range in {
		idx[edge{r.From, r.To}] = r
	}
	return idx
}

// Rules returns a copy of the transition table in declaration order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Lookup returns the rule for the edge from -> to.
func Lookup(from, to domain.Status) (Rule, bool) {
	r, ok := ruleIndex[edge{from, to}]
	return r, ok
}

// Permits reports whether actor may drive this edge.
func (r Rule) Permits(actor domain.ActorType) bool {
	for _, a := range r.Actors {
		if a == actor {
			return true
		}
	}
	return false
}

// Validate checks a requested transition against the table. A nil result
// means the transition is legal. Checks run in order and stop at the first
// failing stage; every missing artifact is reported together.
func Validate(from, to domain.Status, actor domain.ActorType, artifacts domain.Artifacts) []Violation {
	r, ok := Lookup(from, to)
	if !ok {
		return []Violation{{
			Code:    domain.CodeInvalidTransition,
			Message: fmt.Sprintf("no transition %s -> %s", from, to),
		}}
	}
	if !r.Permits(actor) {
		return []Violation{{
			Code:    domain.CodeActorNotPermitted,
			Message: fmt.Sprintf("%s may not move a task %s -> %s", actor, from, to),
		}}
	}
	var out []Violation
	for _, key := range r.Requires {
		if !artifacts.Has(key) {
			out = append(out, Violation{
				Code:     domain.CodeMissingArtifact,
				Message:  fmt.Sprintf("MISSING_ARTIFACT: %s", key),
				Artifact: key,
			})
		}
	}
	return out
}

// AllowedTransitions lists the statuses actor may move a task to from the
// given status, in table order.
func AllowedTransitions(from domain.Status, actor domain.ActorType) []domain.Status {
	var out []domain.Status
	for _, r := range rules {
		if r.From == from && r.Permits(actor) {
			out = append(out, r.To)
		}
	}
	return out
}

// CountsAsReviewCycle reports whether the edge sends completed or reviewed
// work back for another pass.
func CountsAsReviewCycle(from, to domain.Status) bool {
	return (from == domain.StatusReview && to == domain.StatusInProgress) ||
		(from == domain.StatusDone && to == domain.StatusReview)
}
