// Package state reconstructs the lifecycle stage of every declared work item
// from external systems: the enrichment artifact store, remote branches and
// the review host. Nothing is persisted; every pass starts from scratch.
package state

import (
	"strings"

	"prpflow/internal/github"
	"prpflow/internal/plan"
)

// Lifecycle is a review request's own state.
type Lifecycle string

const (
	LifecycleOpen   Lifecycle = "open"
	LifecycleMerged Lifecycle = "merged"
	LifecycleClosed Lifecycle = "closed"
)

// Decision classifies the review outcome of an open request.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionChangesRequested Decision = "changes_requested"
	DecisionPending          Decision = "pending"
	DecisionNone             Decision = "none"
)

// ReviewRequest is the derived view of a pull request.
type ReviewRequest struct {
	Number     int
	Lifecycle  Lifecycle
	Decision   Decision // only meaningful when Lifecycle is open
	HeadBranch string
	URL        string
}

// ItemState is a point-in-time snapshot of one work item. It must not be
// reused after any workflow runs.
type ItemState struct {
	Item plan.Item
	// EnrichmentPath is empty when no artifact exists.
	EnrichmentPath string
	// Branch is empty when no branch exists.
	Branch string
	// Request is nil when no review request exists. Non-nil implies Branch
	// is set.
	Request *ReviewRequest
	// PreCompleted is set for ids in the plan's completed set that have no
	// open or closed request.
	PreCompleted bool
}

// ID returns the item id.
func (s ItemState) ID() string { return s.Item.ID }

// Enriched reports whether an enrichment artifact exists.
func (s ItemState) Enriched() bool { return s.EnrichmentPath != "" }

// HasRequest reports whether a request in lifecycle l exists.
func (s ItemState) HasRequest(l Lifecycle) bool {
	return s.Request != nil && s.Request.Lifecycle == l
}

// Open reports whether the item has an open review request.
func (s ItemState) Open() bool { return s.HasRequest(LifecycleOpen) }

// Merged reports whether the item counts as merged: its request was merged,
// or it was pre-declared complete.
func (s ItemState) Merged() bool {
	return s.HasRequest(LifecycleMerged) || (s.PreCompleted && s.Request == nil)
}

// Stage names the item's position in the per-item state machine, for
// display.
func (s ItemState) Stage() string {
	switch {
	case s.Merged():
		return "merged"
	case s.Open():
		return "review:" + string(s.Request.Decision)
	case s.HasRequest(LifecycleClosed):
		return "closed"
	case s.Branch != "":
		return "branched"
	case s.Enriched():
		return "enriched"
	}
	return "declared"
}

// LifecycleOf maps a gh PR state.
func LifecycleOf(state string) Lifecycle {
	switch strings.ToUpper(state) {
	case github.StateMerged:
		return LifecycleMerged
	case github.StateClosed:
		return LifecycleClosed
	}
	return LifecycleOpen
}

// Labels that override the platform review decision. Matching is
// case-insensitive.
var (
	ApprovedLabels         = []string{"approved", "lgtm"}
	ChangesRequestedLabels = []string{"changes-requested", "needs-changes"}
)

// DecisionOf maps a PR to a review decision. Decision-bearing labels win
// over the platform's computed decision so self-review workflows work.
func DecisionOf(pr github.PullRequest) Decision {
	var approved, changes bool
	for _, name := range pr.LabelNames() {
		name = strings.ToLower(strings.TrimSpace(name))
		approved = approved || contains(ApprovedLabels, name)
		changes = changes || contains(ChangesRequestedLabels, name)
	}
	switch {
	case approved:
		return DecisionApproved
	case changes:
		return DecisionChangesRequested
	}

	switch strings.ToUpper(pr.ReviewDecision) {
	case github.DecisionApproved:
		return DecisionApproved
	case github.DecisionChangesRequested:
		return DecisionChangesRequested
	case github.DecisionReviewRequired:
		return DecisionPending
	}
	return DecisionNone
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RequestOf converts a PR.
func RequestOf(pr github.PullRequest) *ReviewRequest {
	return &ReviewRequest{
		Number:     pr.Number,
		Lifecycle:  LifecycleOf(pr.State),
		Decision:   DecisionOf(pr),
		HeadBranch: pr.HeadRefName,
		URL:        pr.URL,
	}
}
