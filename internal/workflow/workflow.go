// Package workflow implements the four side-effecting actions: enrich,
// execute, revise and merge. Each performs a bounded sequence of git and
// review-host operations plus at most one coding-agent invocation.
//
// Workflows never trust earlier state: the caller re-derives after every
// action. On failure the working tree is returned to the main branch so a
// later run can start over.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"prpflow/internal/agent"
	"prpflow/internal/config"
	"prpflow/internal/git"
	"prpflow/internal/github"
	"prpflow/internal/plan"
	"prpflow/internal/selector"
	"prpflow/internal/shell"
	"prpflow/internal/state"
	"prpflow/internal/trace"
)

// Workflow errors.
var (
	ErrAgentFailed      = errors.New("agent failed")
	ErrArtifactNotFound = errors.New("enrichment artifact not found")
	ErrNoRequest        = errors.New("item has no open review request")
	ErrNotActionable    = errors.New("action does not run a workflow")
)

// AckMarker tags acknowledgement comments so later feedback collection can
// skip them and everything older.
const AckMarker = "<!-- prpflow:ack -->"

// OutcomeKind distinguishes real progress from a no-op.
type OutcomeKind int

const (
	Done OutcomeKind = iota
	Noop
)

func (k OutcomeKind) String() string {
	switch k {
	case Done:
		return "done"
	case Noop:
		return "noop"
	}
	return "unknown"
}

// MarshalJSON encodes the kind as its string name.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind written by MarshalJSON.
func (k *OutcomeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseOutcomeKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseOutcomeKind is the inverse of String.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch s {
	case "done":
		return Done, nil
	case "noop":
		return Noop, nil
	}
	return 0, fmt.Errorf("unknown OutcomeKind: %s", s)
}

// Outcome is the result of a workflow that did not fail.
type Outcome struct {
	Kind       OutcomeKind        `json:"kind"`
	Summary    string             `json:"summary"`
	Branch     string             `json:"branch,omitempty"`
	PRNumber   int                `json:"pr_number,omitempty"`
	Validation []ValidationResult `json:"validation,omitempty"`
}

func done(format string, args ...any) Outcome {
	return Outcome{Kind: Done, Summary: fmt.Sprintf(format, args...)}
}

func noopOutcome(format string, args ...any) Outcome {
	return Outcome{Kind: Noop, Summary: fmt.Sprintf(format, args...)}
}

// VCS is the version-control capability used by workflows.
type VCS interface {
	DefaultBranch(ctx context.Context) (string, error)
	Checkout(ctx context.Context, branch string) error
	ForceCheckout(ctx context.Context, branch string) error
	CreateBranch(ctx context.Context, branch string) error
	HasLocalBranch(ctx context.Context, branch string) bool
	CheckoutRemoteBranch(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, branch string) error
	Pull(ctx context.Context, branch string) error
	Push(ctx context.Context, branch string) error
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, message string, paths ...string) error
	HasChanges(ctx context.Context) (bool, error)
	HasStagedChanges(ctx context.Context, paths ...string) (bool, error)
	CommitsAhead(ctx context.Context, base, head string) (int, error)
	RemoteBranches(ctx context.Context, prefix string) ([]git.Branch, error)
	ConfigureIdentity(ctx context.Context, id git.Identity) error
	EmbedCredentials(ctx context.Context, token string) error
}

// Hosting is the review capability used by workflows.
type Hosting interface {
	Create(ctx context.Context, opts github.CreateOptions) (int, string, error)
	Comment(ctx context.Context, number int, body string) error
	MergeSquash(ctx context.Context, number int) error
	Feedback(ctx context.Context, number int) (github.Feedback, error)
	RemoveLabels(ctx context.Context, number int, labels ...string) error
}

// Artifacts is the enrichment artifact store.
type Artifacts interface {
	Path(id string) string
	Read(id string) (string, error)
	Locate(id string) (string, error)
	Install(src, id string) (string, error)
}

// Timeouts are the per-workflow agent budgets.
type Timeouts struct {
	Enrich  time.Duration
	Execute time.Duration
	Revise  time.Duration
}

// Runner performs workflows for one project.
type Runner struct {
	VCS       VCS
	Hosting   Hosting
	Agent     agent.Runner
	Artifacts Artifacts
	// Shell runs validation commands.
	Shell       shell.Runner
	Plan        *plan.Plan
	Project     config.Project
	Credentials config.Credentials
	Timeouts    Timeouts
	Logger      *slog.Logger
	Tracer      oteltrace.Tracer

	mainBranch string
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

func (r *Runner) tracer() oteltrace.Tracer {
	if r.Tracer == nil {
		return noop.NewTracerProvider().Tracer(trace.InstrumentationName)
	}
	return r.Tracer
}

// Perform dispatches a selected action to its workflow.
func (r *Runner) Perform(ctx context.Context, a selector.Action) (Outcome, error) {
	switch a.Kind {
	case selector.Merge:
		return r.Merge(ctx, a.Item)
	case selector.Revise:
		return r.Revise(ctx, a.Item)
	case selector.Enrich:
		return r.Enrich(ctx, a.Item)
	case selector.Execute:
		return r.Execute(ctx, a.Item)
	}
	return Outcome{}, fmt.Errorf("%w: %s", ErrNotActionable, a.Kind)
}

// prepare applies bot credentials, when configured, and resolves the main
// branch. It runs at the start of every workflow.
func (r *Runner) prepare(ctx context.Context) error {
	if r.Credentials.Configured() {
		id := git.Identity{Name: r.Credentials.Name, Email: r.Credentials.Email}
		if err := r.VCS.ConfigureIdentity(ctx, id); err != nil {
			return fmt.Errorf("configure git identity: %w", err)
		}
		if err := r.VCS.EmbedCredentials(ctx, r.Credentials.Token); err != nil {
			return fmt.Errorf("configure push credentials: %w", err)
		}
	}
	if r.mainBranch != "" {
		return nil
	}
	if r.Project.MainBranch != "" {
		r.mainBranch = r.Project.MainBranch
		return nil
	}
	main, err := r.VCS.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	r.mainBranch = main
	return nil
}

// MainBranch returns the resolved integration branch ("" before any
// workflow ran).
func (r *Runner) MainBranch() string {
	return r.mainBranch
}

// syncMain checks out the main branch and fast-forwards it.
func (r *Runner) syncMain(ctx context.Context) error {
	if err := r.VCS.Checkout(ctx, r.mainBranch); err != nil {
		return err
	}
	return r.VCS.Pull(ctx, r.mainBranch)
}

// runAgent invokes the agent under its own span. Launch failures, non-zero
// exits and timeouts all come back as ErrAgentFailed.
func (r *Runner) runAgent(ctx context.Context, label, prompt string, timeout time.Duration) (*agent.Result, error) {
	ctx, span := r.tracer().Start(ctx, "agent.run", oteltrace.WithAttributes(
		attribute.String("prpflow.agent.label", label),
		attribute.String("prpflow.agent.timeout", timeout.String()),
	))
	log := r.logger().With("agent", label)
	log.Info("agent started", "timeout", timeout)

	res, err := r.Agent.Run(ctx, agent.Request{
		WorkDir: r.Project.Path,
		Prompt:  prompt,
		Timeout: timeout,
		Label:   label,
	})
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrAgentFailed, label, err)
		trace.End(span, err)
		return nil, err
	}
	span.SetAttributes(trace.ExitCodeKey.Int(res.ExitCode), attribute.Bool("prpflow.agent.timed_out", res.TimedOut))
	if res.Failed() {
		err = fmt.Errorf("%w: %s: %w", ErrAgentFailed, label, res.Err())
		log.Warn("agent failed", "exit_code", res.ExitCode, "timed_out", res.TimedOut, "duration", res.Duration)
		trace.End(span, err)
		return res, err
	}
	log.Info("agent finished", "duration", res.Duration.Round(time.Second))
	trace.End(span, nil)
	return res, nil
}

// itemLogger returns a logger annotated with the item and action.
func (r *Runner) itemLogger(st state.ItemState, action string) *slog.Logger {
	return r.logger().With("item", st.ID(), "action", action)
}
