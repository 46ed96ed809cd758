package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/domain"
	"foreman/internal/lifecycle"
)

func TestValidateUnknownEdge(t *testing.T) {
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			if _, ok := lifecycle.Lookup(from, to); ok {
				continue
			}
			got := lifecycle.Validate(from, to, domain.ActorHuman, domain.Artifacts{})
			require.Len(t, got, 1, "%s -> %s", from, to)
			assert.Equal(t, domain.CodeInvalidTransition, got[0].Code)
		}
	}
}

func TestValidateActorNotPermitted(t *testing.T) {
	got := lifecycle.Validate(domain.StatusReview, domain.StatusDone, domain.ActorAgent, domain.Artifacts{ApprovalRecord: "apr-1"})
	require.Len(t, got, 1)
	assert.Equal(t, domain.CodeActorNotPermitted, got[0].Code)

	got = lifecycle.Validate(domain.StatusInbox, domain.StatusNeedsApproval, domain.ActorHuman, domain.Artifacts{})
	require.Len(t, got, 1)
	assert.Equal(t, domain.CodeActorNotPermitted, got[0].Code)
}

func TestValidateMissingArtifacts(t *testing.T) {
	got := lifecycle.Validate(domain.StatusInProgress, domain.StatusReview, domain.ActorAgent, domain.Artifacts{})
	require.Len(t, got, 2)
	assert.Equal(t, domain.ArtifactDeliverable, got[0].Artifact)
	assert.Equal(t, domain.ArtifactSelfReview, got[1].Artifact)
	for _, v := range got {
		assert.Equal(t, domain.CodeMissingArtifact, v.Code)
	}

	got = lifecycle.Validate(domain.StatusReview, domain.StatusDone, domain.ActorHuman, domain.Artifacts{})
	require.Len(t, got, 1)
	assert.Equal(t, "MISSING_ARTIFACT: approvalRecord", got[0].Message)
}

func TestValidateBlankValuesDoNotCount(t *testing.T) {
	got := lifecycle.Validate(domain.StatusInbox, domain.StatusAssigned, domain.ActorHuman, domain.Artifacts{AssigneeIDs: []string{" ", ""}})
	require.Len(t, got, 1)
	assert.Equal(t, domain.ArtifactAssigneeIDs, got[0].Artifact)

	got = lifecycle.Validate(domain.StatusAssigned, domain.StatusInProgress, domain.ActorAgent, domain.Artifacts{WorkPlan: "   "})
	require.Len(t, got, 1)
}

func TestValidateHappyPath(t *testing.T) {
	steps := []struct {
		from, to  domain.Status
		actor     domain.ActorType
		artifacts domain.Artifacts
	}{
		{domain.StatusInbox, domain.StatusAssigned, domain.ActorHuman, domain.Artifacts{AssigneeIDs: []string{"agent-1"}}},
		{domain.StatusAssigned, domain.StatusInProgress, domain.ActorAgent, domain.Artifacts{WorkPlan: "plan"}},
		{domain.StatusInProgress, domain.StatusReview, domain.ActorAgent, domain.Artifacts{Deliverable: "pr#1", SelfReview: "looks fine"}},
		{domain.StatusReview, domain.StatusDone, domain.ActorHuman, domain.Artifacts{ApprovalRecord: "lgtm"}},
	}
	for _, st := range steps {
		assert.Empty(t, lifecycle.Validate(st.from, st.to, st.actor, st.artifacts), "%s -> %s", st.from, st.to)
	}
}

func TestAllowedTransitions(t *testing.T) {
	assert.Equal(t,
		[]domain.Status{domain.StatusAssigned, domain.StatusBlocked, domain.StatusCanceled},
		lifecycle.AllowedTransitions(domain.StatusInbox, domain.ActorHuman))
	assert.Equal(t,
		[]domain.Status{domain.StatusAssigned},
		lifecycle.AllowedTransitions(domain.StatusInbox, domain.ActorAgent))
	assert.Empty(t, lifecycle.AllowedTransitions(domain.StatusCanceled, domain.ActorHuman))
}

func TestEveryStatusCanReachApprovalHold(t *testing.T) {
	for _, st := range []domain.Status{domain.StatusInbox, domain.StatusAssigned, domain.StatusInProgress, domain.StatusReview, domain.StatusBlocked} {
		assert.Empty(t, lifecycle.Validate(st, domain.StatusNeedsApproval, domain.ActorSystem, domain.Artifacts{}), "%s", st)
	}
}

func TestCountsAsReviewCycle(t *testing.T) {
	assert.True(t, lifecycle.CountsAsReviewCycle(domain.StatusReview, domain.StatusInProgress))
	assert.True(t, lifecycle.CountsAsReviewCycle(domain.StatusDone, domain.StatusReview))
	assert.False(t, lifecycle.CountsAsReviewCycle(domain.StatusInProgress, domain.StatusReview))
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, domain.StatusCanceled.IsTerminal())
	assert.True(t, domain.StatusDone.IsTerminal())
	assert.False(t, domain.StatusBlocked.IsTerminal())
	// CANCELED is final for everyone; DONE only reopens for humans
	for _, actor := range []domain.ActorType{domain.ActorAgent, domain.ActorHuman, domain.ActorSystem} {
		assert.Empty(t, lifecycle.AllowedTransitions(domain.StatusCanceled, actor))
	}
	assert.Empty(t, lifecycle.AllowedTransitions(domain.StatusDone, domain.ActorAgent))
	assert.Equal(t, []domain.Status{domain.StatusReview, domain.StatusCanceled}, lifecycle.AllowedTransitions(domain.StatusDone, domain.ActorHuman))
}

func TestRulesReturnsACopy(t *testing.T) {
	rules := lifecycle.Rules()
	require.NotEmpty(t, rules)
	first := rules[0]
	rules[0].To = domain.StatusDone
	assert.Equal(t, first, lifecycle.Rules()[0])
	for _, r := range rules[1:] {
		got, ok := lifecycle.Lookup(r.From, r.To)
		require.True(t, ok)
		assert.Equal(t, r, got)
	}
}
