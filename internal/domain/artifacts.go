package domain

import "strings"

// ArtifactKey names a piece of evidence a transition may carry.
type ArtifactKey string

const (
	ArtifactAssigneeIDs     ArtifactKey = "assigneeIds"
	ArtifactWorkPlan        ArtifactKey = "workPlan"
	ArtifactDeliverable     ArtifactKey = "deliverable"
	ArtifactSelfReview      ArtifactKey = "selfReview"
	ArtifactReviewChecklist ArtifactKey = "reviewChecklist"
	ArtifactApprovalRecord  ArtifactKey = "approvalRecord"
)

// Artifacts is the evidence attached to a transition request. Multi-value
// keys count as present only when they hold at least one non-blank entry.
type Artifacts struct {
	AssigneeIDs     []string `json:"assigneeIds,omitempty"`
	WorkPlan        string   `json:"workPlan,omitempty"`
	Deliverable     string   `json:"deliverable,omitempty"`
	SelfReview      string   `json:"selfReview,omitempty"`
	ReviewChecklist []string `json:"reviewChecklist,omitempty"`
	ApprovalRecord  string   `json:"approvalRecord,omitempty"`
}

// Has reports whether the key carries a usable value.
func (a Artifacts) Has(key ArtifactKey) bool {
	switch key {
	case ArtifactAssigneeIDs:
		return nonBlank(a.AssigneeIDs)
	case ArtifactWorkPlan:
		return trimmed(a.WorkPlan) != ""
	case ArtifactDeliverable:
		return trimmed(a.Deliverable) != ""
	case ArtifactSelfReview:
		return trimmed(a.SelfReview) != ""
	case ArtifactReviewChecklist:
		return nonBlank(a.ReviewChecklist)
	case ArtifactApprovalRecord:
		return trimmed(a.ApprovalRecord) != ""
	}
	return false
}

// Merge returns a copy of a with every field set in b taking precedence.
func (a Artifacts) Merge(b Artifacts) Artifacts {
	out := a
	if len(b.AssigneeIDs) > 0 {
		out.AssigneeIDs = b.AssigneeIDs
	}
	if b.WorkPlan != "" {
		out.WorkPlan = b.WorkPlan
	}
	if b.Deliverable != "" {
		out.Deliverable = b.Deliverable
	}
	if b.SelfReview != "" {
		out.SelfReview = b.SelfReview
	}
	if len(b.ReviewChecklist) > 0 {
		out.ReviewChecklist = b.ReviewChecklist
	}
	if b.ApprovalRecord != "" {
		out.ApprovalRecord = b.ApprovalRecord
	}
	return out
}

func nonBlank(items []string) bool {
	for _, v := range items {
		if trimmed(v) != "" {
			return true
		}
	}
	return false
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
