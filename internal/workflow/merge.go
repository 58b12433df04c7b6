package workflow

import (
	"context"
	"fmt"

	"prpflow/internal/state"
)

// Merge squash-merges an approved request and deletes its branch. Hosting
// errors are returned unchanged.
func (r *Runner) Merge(ctx context.Context, st state.ItemState) (Outcome, error) {
	if st.Request == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoRequest, st.ID())
	}
	if err := r.prepare(ctx); err != nil {
		return Outcome{}, err
	}
	number := st.Request.Number
	if err := r.Hosting.MergeSquash(ctx, number); err != nil {
		return Outcome{}, err
	}
	r.itemLogger(st, "merge").Info("pull request merged", "pr", number)

	out := done("merged #%d for %s", number, st.ID())
	out.Branch = st.Request.HeadBranch
	out.PRNumber = number
	return out, nil
}
