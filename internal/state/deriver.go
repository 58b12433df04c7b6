package state

import (
	"context"
	"log/slog"
	"strings"

	"prpflow/internal/git"
	"prpflow/internal/github"
	"prpflow/internal/plan"
)

// DefaultMergedSearchLimit bounds the per-item merged-request recovery query.
const DefaultMergedSearchLimit = 50

// VCS is the slice of the version-control capability derivation needs.
type VCS interface {
	Fetch(ctx context.Context) error
	RemoteBranches(ctx context.Context, prefix string) ([]git.Branch, error)
}

// Hosting is the slice of the review capability derivation needs.
type Hosting interface {
	ListByHead(ctx context.Context, branch string) ([]github.PullRequest, error)
	ListMergedByPrefix(ctx context.Context, prefix string, limit int) ([]github.PullRequest, error)
}

// Artifacts reports enrichment artifacts.
type Artifacts interface {
	Exists(id string) (string, bool)
}

// Deriver builds ItemStates. It never returns errors: any failed query
// degrades that part of the state to absent and is logged at debug level.
type Deriver struct {
	VCS       VCS
	Hosting   Hosting
	Artifacts Artifacts
	Logger    *slog.Logger
	// MergedSearchLimit bounds ListMergedByPrefix. Zero means the default.
	MergedSearchLimit int
}

func (d *Deriver) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// DeriveAll derives every item of p in declaration order. Remote refs are
// refreshed first, best effort.
func (d *Deriver) DeriveAll(ctx context.Context, p *plan.Plan) []ItemState {
	if err := d.VCS.Fetch(ctx); err != nil {
		d.logger().Debug("fetch failed, using cached remote refs", "error", err)
	}
	completed := p.CompletedSet()
	states := make([]ItemState, 0, len(p.Items))
	for _, it := range p.Items {
		states = append(states, d.Derive(ctx, it, completed))
	}
	return states
}

// Derive derives a single item. completed is the plan's pre-declared
// completed set.
func (d *Deriver) Derive(ctx context.Context, it plan.Item, completed map[string]bool) ItemState {
	log := d.logger().With("item", it.ID)
	st := ItemState{Item: it}

	if path, ok := d.Artifacts.Exists(it.ID); ok {
		st.EnrichmentPath = path
	}

	prefix := plan.BranchPrefix(it.ID)
	branches, err := d.VCS.RemoteBranches(ctx, prefix)
	if err != nil {
		log.Debug("branch query failed", "prefix", prefix, "error", err)
	}
	if len(branches) > 0 {
		// Most recent tip commit wins; ties break by name.
		st.Branch = branches[0].Name
		if len(branches) > 1 {
			log.Debug("several branches match item", "chosen", st.Branch, "count", len(branches))
		}
	}

	if st.Branch != "" {
		prs, err := d.Hosting.ListByHead(ctx, st.Branch)
		if err != nil {
			log.Debug("review request query failed", "branch", st.Branch, "error", err)
		} else if len(prs) > 0 {
			st.Request = RequestOf(prs[0])
		}
	}

	if st.Request == nil {
		if pr, ok := d.findMerged(ctx, it, log); ok {
			st.Request = RequestOf(pr)
			st.Branch = pr.HeadRefName
		}
	}

	if completed[it.ID] && st.Request == nil {
		st.PreCompleted = true
	}
	return st
}

// findMerged recovers a merged request for an item whose branch was deleted
// after merge. The canonical branch name is tried first; otherwise a search
// scoped to the item's branch prefix runs and the newest merge wins.
func (d *Deriver) findMerged(ctx context.Context, it plan.Item, log *slog.Logger) (github.PullRequest, bool) {
	head := plan.BranchName(it)
	prs, err := d.Hosting.ListByHead(ctx, head)
	if err != nil {
		log.Debug("review request query failed", "branch", head, "error", err)
	}
	if len(prs) > 0 && prs[0].State == github.StateMerged {
		return prs[0], true
	}

	limit := d.MergedSearchLimit
	if limit <= 0 {
		limit = DefaultMergedSearchLimit
	}
	prefix := plan.BranchPrefix(it.ID)
	prs, err = d.Hosting.ListMergedByPrefix(ctx, prefix, limit)
	if err != nil {
		log.Debug("merged request query failed", "prefix", prefix, "error", err)
		return github.PullRequest{}, false
	}

	var best github.PullRequest
	found := false
	for _, pr := range prs {
		if pr.State != github.StateMerged || !strings.HasPrefix(pr.HeadRefName, prefix) {
			continue
		}
		if !found || newer(pr, best) {
			best, found = pr, true
		}
	}
	return best, found
}

func newer(a, b github.PullRequest) bool {
	switch {
	case a.MergedAt == nil:
		return false
	case b.MergedAt == nil:
		return true
	}
	return a.MergedAt.After(*b.MergedAt)
}
