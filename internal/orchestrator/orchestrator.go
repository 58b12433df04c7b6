// Package orchestrator drives the run loop for one or more projects:
// derive state, select one action, perform it, re-derive, until no
// unattended action is possible.
//
// A run never trusts state from a previous iteration. Every workflow may
// change branches and requests that the next decision depends on, so the
// whole plan is derived again after each action.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"prpflow/internal/agent"
	"prpflow/internal/artifact"
	"prpflow/internal/config"
	"prpflow/internal/git"
	"prpflow/internal/github"
	"prpflow/internal/lock"
	"prpflow/internal/plan"
	"prpflow/internal/progress"
	"prpflow/internal/selector"
	"prpflow/internal/shell"
	"prpflow/internal/state"
	"prpflow/internal/trace"
	"prpflow/internal/workflow"
)

// Preflight errors. They end a project run before any workflow executes.
var (
	ErrLocked           = errors.New("project is locked by another run")
	ErrNotRepository    = errors.New("not a git repository")
	ErrNotAuthenticated = errors.New("gh is not authenticated")
)

// DefaultMaxIterations caps the actions performed in one project run.
const DefaultMaxIterations = 10

// Env holds the external collaborators for one project.
type Env struct {
	Git       *git.Client
	GitHub    *github.Client
	Agent     agent.Runner
	Shell     shell.Runner
	Artifacts *artifact.Store
}

// EnvFactory builds the collaborators for a project.
type EnvFactory func(p config.Project) Env

// NewEnvFactory returns the production factory: git and gh run through
// runner in the project directory and artifacts live in its enrichment dir.
func NewEnvFactory(runner shell.Runner, ag agent.Runner, token string) EnvFactory {
	if runner == nil {
		runner = shell.ExecRunner{}
	}
	return func(p config.Project) Env {
		return Env{
			Git:       git.New(runner, p.Path),
			GitHub:    github.New(runner, p.Path, token),
			Agent:     ag,
			Shell:     runner,
			Artifacts: artifact.NewStore(p.EnrichPath(), filepath.Join(p.Path, config.DefaultEnrichDir)),
		}
	}
}

// ActionRecord is one performed action in a run.
type ActionRecord struct {
	Iteration int                  `json:"iteration"`
	Action    string               `json:"action"`
	Item      string               `json:"item"`
	Outcome   workflow.OutcomeKind `json:"outcome"`
	Summary   string               `json:"summary,omitempty"`
	PRNumber  int                  `json:"pr_number,omitempty"`
	Error     string               `json:"error,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

// RunSummary describes one project run.
type RunSummary struct {
	Project    string         `json:"project"`
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Iterations int            `json:"iterations"`
	Actions    []ActionRecord `json:"actions,omitempty"`
	Stop       StopReason     `json:"stop_reason"`
	// Waiting is the item whose request needs a human, for StopWaitingReview.
	Waiting string `json:"waiting,omitempty"`
	Error   string `json:"error,omitempty"`

	// Plan and States are the last derived snapshot, for display.
	Plan   *plan.Plan        `json:"-"`
	States []state.ItemState `json:"-"`
}

// Duration is the wall-clock length of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Orchestrator runs projects. The zero value is not usable: Locks and NewEnv
// are required.
type Orchestrator struct {
	Locks         *lock.Manager
	NewEnv        EnvFactory
	Credentials   config.Credentials
	Timeouts      workflow.Timeouts
	MaxIterations int
	Logger        *slog.Logger
	Tracer        oteltrace.Tracer
	Emitter       progress.Emitter
	// Status, when set, records the summary of every run.
	Status *StatusWriter
	Now    func() time.Time
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

func (o *Orchestrator) tracer() oteltrace.Tracer {
	if o.Tracer == nil {
		return noop.NewTracerProvider().Tracer(trace.InstrumentationName)
	}
	return o.Tracer
}

func (o *Orchestrator) emitter() progress.Emitter {
	if o.Emitter == nil {
		return progress.Discard
	}
	return o.Emitter
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) maxIterations() int {
	if o.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return o.MaxIterations
}

// RunAll runs projects strictly in order. A failing project does not stop
// later ones; cancellation does. Errors are joined.
func (o *Orchestrator) RunAll(ctx context.Context, projects []config.Project) ([]*RunSummary, error) {
	var summaries []*RunSummary
	var errs []error
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sum, err := o.RunOnce(ctx, p)
		summaries = append(summaries, sum)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		}
	}
	return summaries, errors.Join(errs...)
}

// RunOnce runs the loop for one project under its lock. The summary is
// returned even when err is non-nil.
func (o *Orchestrator) RunOnce(ctx context.Context, p config.Project) (sum *RunSummary, err error) {
	sum = &RunSummary{Project: p.Name, RunID: uuid.NewString(), StartedAt: o.now()}
	log := o.logger().With("project", p.Name, "run_id", sum.RunID)

	ctx, span := o.tracer().Start(ctx, "run", oteltrace.WithAttributes(
		trace.ProjectKey.String(p.Name),
		trace.RunIDKey.String(sum.RunID),
	))
	defer func() {
		sum.FinishedAt = o.now()
		if err != nil {
			sum.Error = err.Error()
		}
		span.SetAttributes(
			trace.StopKey.String(sum.Stop.String()),
			trace.IterKey.Int(sum.Iterations),
		)
		trace.End(span, err)
		o.finish(log, sum)
	}()

	log.Info("run started", "path", p.Path)
	env := o.NewEnv(p)
	pl, err := o.preflight(ctx, p, env)
	if err != nil {
		sum.Stop = StopFailed
		if errors.Is(err, ErrLocked) {
			sum.Stop = StopLocked
		}
		return sum, err
	}
	sum.Plan = pl
	defer func() {
		if rerr := o.Locks.Release(p.Name); rerr != nil {
			log.Warn("release lock failed", "error", rerr)
		}
	}()

	deriver := &state.Deriver{VCS: env.Git, Hosting: env.GitHub, Artifacts: env.Artifacts, Logger: log}
	runner := &workflow.Runner{
		VCS:         env.Git,
		Hosting:     env.GitHub,
		Agent:       env.Agent,
		Artifacts:   env.Artifacts,
		Shell:       env.Shell,
		Plan:        pl,
		Project:     p,
		Credentials: o.Credentials,
		Timeouts:    o.Timeouts,
		Logger:      log,
		Tracer:      o.tracer(),
	}
	return o.loop(ctx, log, sum, pl, deriver, runner)
}

func (o *Orchestrator) loop(ctx context.Context, log *slog.Logger, sum *RunSummary, pl *plan.Plan, deriver *state.Deriver, runner *workflow.Runner) (*RunSummary, error) {
	completed := pl.CompletedSet()
	for {
		if err := ctx.Err(); err != nil {
			sum.Stop = StopContextCancelled
			return sum, err
		}

		states := deriver.DeriveAll(ctx, pl)
		sum.States = states
		if selector.IsComplete(states) {
			sum.Stop = StopComplete
			o.emit(sum.Project, "", "complete", progress.StatusDone, "all items merged", nil)
			return sum, nil
		}

		action := selector.SelectNext(states, completed)
		log.Info("selected", "action", action.Kind.String(), "item", action.Item.ID())
		switch action.Kind {
		case selector.Wait:
			sum.Stop = StopWaitingReview
			sum.Waiting = action.Item.ID()
			o.emit(sum.Project, action.Item.ID(), action.Kind.String(), progress.StatusWaiting,
				fmt.Sprintf("waiting for review on #%d", action.Item.Request.Number), requestMeta(action.Item))
			return sum, nil
		case selector.None:
			sum.Stop = StopBlocked
			o.emit(sum.Project, "", action.Kind.String(), progress.StatusWaiting, "no item can proceed", nil)
			return sum, nil
		}

		if sum.Iterations >= o.maxIterations() {
			sum.Stop = StopMaxIterations
			log.Warn("iteration cap reached", "max", o.maxIterations(), "next", action.String())
			return sum, nil
		}
		sum.Iterations++

		rec, err := o.perform(ctx, sum, runner, action)
		sum.Actions = append(sum.Actions, rec)
		if err != nil {
			sum.Stop = StopFailed
			if ctx.Err() != nil {
				sum.Stop = StopContextCancelled
			}
			return sum, fmt.Errorf("%s: %w", action, err)
		}
		if rec.Outcome == workflow.Noop {
			sum.Stop = StopNoop
			return sum, nil
		}
	}
}

// perform runs one workflow under a cycle span and narrates it.
func (o *Orchestrator) perform(ctx context.Context, sum *RunSummary, runner *workflow.Runner, action selector.Action) (ActionRecord, error) {
	id := action.Item.ID()
	kind := action.Kind.String()
	ctx, span := o.tracer().Start(ctx, "cycle", oteltrace.WithAttributes(
		trace.IterKey.Int(sum.Iterations),
		trace.ActionKey.String(kind),
		trace.ItemKey.String(id),
	))

	o.emit(sum.Project, id, kind, progress.StatusRunning, action.String(), requestMeta(action.Item))
	start := o.now()
	out, err := runner.Perform(ctx, action)
	rec := ActionRecord{
		Iteration: sum.Iterations,
		Action:    kind,
		Item:      id,
		Outcome:   out.Kind,
		Summary:   out.Summary,
		PRNumber:  out.PRNumber,
		Duration:  o.now().Sub(start),
	}

	meta := map[string]string{"duration": rec.Duration.Round(time.Second).String()}
	if out.Branch != "" {
		meta["branch"] = out.Branch
		span.SetAttributes(trace.BranchKey.String(out.Branch))
	}
	if out.PRNumber > 0 {
		meta["pr"] = strconv.Itoa(out.PRNumber)
		span.SetAttributes(trace.PRKey.Int(out.PRNumber))
	}

	switch {
	case err != nil:
		rec.Error = err.Error()
		span.SetAttributes(trace.OutcomeKey.String("error"))
		o.emit(sum.Project, id, kind, progress.StatusError, err.Error(), meta)
	case out.Kind == workflow.Noop:
		span.SetAttributes(trace.OutcomeKey.String(out.Kind.String()))
		o.emit(sum.Project, id, kind, progress.StatusNoop, out.Summary, meta)
	default:
		span.SetAttributes(trace.OutcomeKey.String(out.Kind.String()))
		o.emit(sum.Project, id, kind, progress.StatusDone, out.Summary, meta)
	}
	trace.End(span, err)
	return rec, err
}

// preflight checks the environment and takes the project lock.
func (o *Orchestrator) preflight(ctx context.Context, p config.Project, env Env) (*plan.Plan, error) {
	pl, err := o.inspect(ctx, p, env)
	if err != nil {
		return nil, err
	}
	ok, err := o.Locks.Acquire(p.Name)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		holder, _ := o.Locks.Holder(p.Name)
		if holder != nil {
			return nil, fmt.Errorf("%w: %s", ErrLocked, holder)
		}
		return nil, ErrLocked
	}
	return pl, nil
}

func (o *Orchestrator) inspect(ctx context.Context, p config.Project, env Env) (*plan.Plan, error) {
	if err := env.Git.IsRepository(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotRepository, err)
	}
	if err := env.GitHub.AuthStatus(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return plan.Load(p.PlanPath())
}

// Inspect derives the current state of a project without taking the lock
// or performing any action.
func (o *Orchestrator) Inspect(ctx context.Context, p config.Project) (*plan.Plan, []state.ItemState, error) {
	env := o.NewEnv(p)
	pl, err := o.inspect(ctx, p, env)
	if err != nil {
		return nil, nil, err
	}
	deriver := &state.Deriver{VCS: env.Git, Hosting: env.GitHub, Artifacts: env.Artifacts, Logger: o.logger()}
	return pl, deriver.DeriveAll(ctx, pl), nil
}

func (o *Orchestrator) finish(log *slog.Logger, sum *RunSummary) {
	attrs := []any{"stop", sum.Stop.String(), "iterations", sum.Iterations, "duration", sum.Duration().Round(time.Second)}
	if sum.Error != "" {
		log.Error("run failed", append(attrs, "error", sum.Error)...)
	} else {
		log.Info("run finished", attrs...)
	}
	if o.Status != nil {
		if err := o.Status.Write(sum); err != nil {
			log.Warn("write status failed", "error", err)
		}
	}
}

func (o *Orchestrator) emit(project, item, action string, status progress.Status, msg string, meta map[string]string) {
	o.emitter().Emit(progress.Event{
		Project:   project,
		Item:      item,
		Action:    action,
		Message:   msg,
		Status:    status,
		Timestamp: o.now(),
		Metadata:  meta,
	})
}

func requestMeta(st state.ItemState) map[string]string {
	meta := map[string]string{}
	if st.Branch != "" {
		meta["branch"] = st.Branch
	}
	if st.Request != nil {
		meta["pr"] = strconv.Itoa(st.Request.Number)
		meta["decision"] = string(st.Request.Decision)
	}
	return meta
}
