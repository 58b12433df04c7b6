package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"prpflow/internal/state"
)

// Enrich asks the agent for a detailed implementation plan of an item and
// commits the resulting artifact to the main branch.
func (r *Runner) Enrich(ctx context.Context, st state.ItemState) (Outcome, error) {
	log := r.itemLogger(st, "enrich")
	if err := r.prepare(ctx); err != nil {
		return Outcome{}, err
	}
	if err := r.syncMain(ctx); err != nil {
		return Outcome{}, err
	}

	id := st.ID()
	target := r.Artifacts.Path(id)
	data := &EnrichPromptData{Item: st.Item, OutputPath: target}
	if r.Plan != nil {
		data.Project = r.Plan.Project
		data.Context = r.Plan.Context
		data.Constraints = r.Plan.Constraints
	}
	if data.Project == "" {
		data.Project = r.Project.Name
	}
	prompt, err := RenderEnrichPrompt(data)
	if err != nil {
		return Outcome{}, err
	}

	if _, err := r.runAgent(ctx, "enrich "+id, prompt, r.Timeouts.Enrich); err != nil {
		return Outcome{}, err
	}

	found, err := r.Artifacts.Locate(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrArtifactNotFound, id, err)
	}
	if found != target {
		log.Info("artifact found outside canonical location", "path", found)
	}
	path, err := r.Artifacts.Install(found, id)
	if err != nil {
		return Outcome{}, err
	}

	rel, inside := r.relative(path)
	if !inside {
		log.Info("enrichment dir is outside the repository, not committing", "path", path)
		return done("enriched %s at %s", id, path), nil
	}
	if err := r.VCS.Add(ctx, rel); err != nil {
		return Outcome{}, err
	}
	staged, err := r.VCS.HasStagedChanges(ctx, rel)
	if err != nil {
		return Outcome{}, err
	}
	if !staged {
		return done("enriched %s, artifact unchanged", id), nil
	}
	if err := r.VCS.Commit(ctx, "docs(prp): enrich "+id, rel); err != nil {
		return Outcome{}, err
	}
	if err := r.VCS.Push(ctx, r.mainBranch); err != nil {
		return Outcome{}, err
	}
	log.Info("enrichment pushed", "path", rel, "branch", r.mainBranch)
	return done("enriched %s at %s", id, rel), nil
}

// relative returns path relative to the project root and whether it lies
// inside it.
func (r *Runner) relative(path string) (string, bool) {
	rel, err := filepath.Rel(r.Project.Path, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path, false
	}
	return rel, true
}
