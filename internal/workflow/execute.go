package workflow

import (
	"context"
	"fmt"

	"prpflow/internal/git"
	"prpflow/internal/github"
	"prpflow/internal/plan"
	"prpflow/internal/state"
)

// Execute implements an enriched item on its branch and opens a pull
// request. An existing remote branch for the item is reused.
func (r *Runner) Execute(ctx context.Context, st state.ItemState) (Outcome, error) {
	log := r.itemLogger(st, "execute")
	if err := r.prepare(ctx); err != nil {
		return Outcome{}, err
	}
	id := st.ID()
	enrichment, err := r.Artifacts.Read(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrArtifactNotFound, err)
	}
	if err := r.syncMain(ctx); err != nil {
		return Outcome{}, err
	}

	branch, created, err := r.checkoutWorkBranch(ctx, st)
	if err != nil {
		r.rollback(ctx, branch, created)
		return Outcome{}, err
	}
	log = log.With("branch", branch)
	log.Info("working on branch", "reused", !created)

	var commands []string
	for _, c := range r.validationCommands() {
		commands = append(commands, c[1])
	}
	prompt, err := RenderExecutePrompt(&ExecutePromptData{
		Item:       st.Item,
		Branch:     branch,
		Enrichment: enrichment,
		Validation: commands,
	})
	if err != nil {
		r.rollback(ctx, branch, created)
		return Outcome{}, err
	}

	if _, err := r.runAgent(ctx, "execute "+id, prompt, r.Timeouts.Execute); err != nil {
		r.rollback(ctx, branch, created)
		return Outcome{}, err
	}

	results := r.validate(ctx)

	changed, err := r.VCS.HasChanges(ctx)
	if err != nil {
		r.rollback(ctx, branch, created)
		return Outcome{}, err
	}
	if changed {
		if err := r.VCS.Add(ctx); err != nil {
			r.rollback(ctx, branch, created)
			return Outcome{}, err
		}
		if err := r.VCS.Commit(ctx, fmt.Sprintf("feat(prp): %s %s", id, st.Item.Title)); err != nil {
			r.rollback(ctx, branch, created)
			return Outcome{}, err
		}
	} else if !r.pushedEarlier(ctx, branch, created) {
		r.rollback(ctx, branch, created)
		out := noopOutcome("agent produced no changes for %s", id)
		out.Branch = branch
		out.Validation = results
		return out, nil
	}

	if err := r.VCS.Push(ctx, branch); err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}

	body, err := RenderPRBody(&PRBodyData{Item: st.Item, EnrichmentPath: r.relativeArtifact(id), Validation: results})
	if err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}
	number, url, err := r.Hosting.Create(ctx, github.CreateOptions{
		Title: fmt.Sprintf("%s: %s", id, st.Item.Title),
		Body:  body,
		Base:  r.mainBranch,
		Head:  branch,
	})
	if err != nil {
		// The branch stays pushed; the next run reuses it and retries.
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}
	if err := r.VCS.Checkout(ctx, r.mainBranch); err != nil {
		return Outcome{}, err
	}
	log.Info("pull request opened", "pr", number, "url", url)

	out := done("opened #%d for %s", number, id)
	out.Branch = branch
	out.PRNumber = number
	out.Validation = results
	return out, nil
}

// checkoutWorkBranch checks out the item's branch. The newest remote branch
// with the item prefix is reused; otherwise a fresh branch is created from
// main, replacing any stale local branch of the same name.
func (r *Runner) checkoutWorkBranch(ctx context.Context, st state.ItemState) (string, bool, error) {
	remote, err := r.VCS.RemoteBranches(ctx, plan.BranchPrefix(st.ID()))
	if err != nil {
		r.logger().Debug("listing remote branches failed", "item", st.ID(), "error", err)
	}
	if len(remote) > 0 {
		branch := remote[0].Name
		return branch, false, r.VCS.CheckoutRemoteBranch(ctx, branch)
	}

	branch := plan.BranchName(st.Item)
	if r.VCS.HasLocalBranch(ctx, branch) {
		if err := r.VCS.DeleteBranch(ctx, branch); err != nil {
			return branch, false, err
		}
	}
	if err := r.VCS.CreateBranch(ctx, branch); err != nil {
		return branch, false, err
	}
	return branch, true, nil
}

// pushedEarlier reports whether a reused branch already carries commits that
// main lacks, as left by an earlier run that pushed but failed to open a PR.
func (r *Runner) pushedEarlier(ctx context.Context, branch string, created bool) bool {
	if created {
		return false
	}
	ahead, err := r.VCS.CommitsAhead(ctx, git.DefaultRemote+"/"+r.mainBranch, branch)
	if err != nil {
		r.logger().Debug("counting commits ahead failed", "branch", branch, "error", err)
		return false
	}
	return ahead > 0
}

// rollback returns the work tree to main, discarding changes, and deletes a
// branch created by this attempt. Best effort.
func (r *Runner) rollback(ctx context.Context, branch string, created bool) {
	log := r.logger().With("branch", branch)
	if err := r.VCS.ForceCheckout(ctx, r.mainBranch); err != nil {
		log.Warn("rollback checkout failed", "error", err)
		return
	}
	if created && branch != "" {
		if err := r.VCS.DeleteBranch(ctx, branch); err != nil {
			log.Warn("rollback branch delete failed", "error", err)
		}
	}
}

func (r *Runner) relativeArtifact(id string) string {
	rel, _ := r.relative(r.Artifacts.Path(id))
	return rel
}
