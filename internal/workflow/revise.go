package workflow

import (
	"context"
	"fmt"

	"prpflow/internal/state"
)

// Revise feeds unaddressed review feedback to the agent on the item's branch
// and pushes the result with an acknowledgement comment.
func (r *Runner) Revise(ctx context.Context, st state.ItemState) (Outcome, error) {
	log := r.itemLogger(st, "revise")
	if st.Request == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoRequest, st.ID())
	}
	if err := r.prepare(ctx); err != nil {
		return Outcome{}, err
	}
	number := st.Request.Number

	fb, err := r.Hosting.Feedback(ctx, number)
	if err != nil {
		return Outcome{}, err
	}
	fb = fb.AfterMarker(AckMarker)
	if fb.Empty() {
		log.Info("no unaddressed feedback", "pr", number)
		out := noopOutcome("no feedback to address on #%d", number)
		out.PRNumber = number
		return out, nil
	}

	branch := st.Request.HeadBranch
	if branch == "" {
		branch = st.Branch
	}
	log = log.With("branch", branch, "pr", number)
	if err := r.VCS.CheckoutRemoteBranch(ctx, branch); err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}

	prompt, err := RenderRevisePrompt(&RevisePromptData{
		Item:     st.Item,
		Branch:   branch,
		PRNumber: number,
		Feedback: fb.Document(),
	})
	if err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}
	if _, err := r.runAgent(ctx, "revise "+st.ID(), prompt, r.Timeouts.Revise); err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}

	out, err := r.pushRevision(ctx, st, branch, number)
	if err != nil {
		r.rollback(ctx, branch, false)
		return Outcome{}, err
	}
	if err := r.VCS.Checkout(ctx, r.mainBranch); err != nil {
		return Outcome{}, err
	}
	log.Info("revision finished", "outcome", out.Kind)
	return out, nil
}

func (r *Runner) pushRevision(ctx context.Context, st state.ItemState, branch string, number int) (Outcome, error) {
	changed, err := r.VCS.HasChanges(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if !changed {
		out := noopOutcome("agent produced no changes for #%d", number)
		out.Branch = branch
		out.PRNumber = number
		return out, nil
	}
	if err := r.VCS.Add(ctx); err != nil {
		return Outcome{}, err
	}
	if err := r.VCS.Commit(ctx, fmt.Sprintf("fix(prp): address review feedback on %s", st.ID())); err != nil {
		return Outcome{}, err
	}
	if err := r.VCS.Push(ctx, branch); err != nil {
		return Outcome{}, err
	}
	if err := r.Hosting.Comment(ctx, number, AckComment()); err != nil {
		return Outcome{}, err
	}
	// Clear the changes-requested labels so the request returns to review.
	if err := r.Hosting.RemoveLabels(ctx, number, state.ChangesRequestedLabels...); err != nil {
		r.logger().Debug("removing labels failed", "pr", number, "error", err)
	}
	out := done("pushed revision to #%d", number)
	out.Branch = branch
	out.PRNumber = number
	return out, nil
}
