package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"prpflow/internal/agent"
	"prpflow/internal/artifact"
	"prpflow/internal/config"
	"prpflow/internal/git"
	"prpflow/internal/github"
	"prpflow/internal/lock"
	"prpflow/internal/progress"
	"prpflow/internal/shell"
	"prpflow/internal/shell/shelltest"
	"prpflow/internal/workflow"
)

type fakeAgent struct {
	calls int
	do    func(req agent.Request) (*agent.Result, error)
}

func (f *fakeAgent) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.calls++
	if f.do != nil {
		return f.do(req)
	}
	return &agent.Result{}, nil
}

type harness struct {
	orch     *Orchestrator
	shells   map[string]*shelltest.Fake
	agent    *fakeAgent
	events   *progress.Recorder
	spans    *tracetest.SpanRecorder
	lockDir  string
	projects map[string]config.Project
}

const onePlan = `project: demo
prps:
  - id: A
    title: First thing
    scope: Do the first thing.
`

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		shells:   map[string]*shelltest.Fake{},
		agent:    &fakeAgent{},
		events:   &progress.Recorder{},
		spans:    tracetest.NewSpanRecorder(),
		lockDir:  filepath.Join(t.TempDir(), "locks"),
		projects: map[string]config.Project{},
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	h.orch = &Orchestrator{
		Locks:   lock.NewManager(h.lockDir),
		Tracer:  tp.Tracer("test"),
		Emitter: h.events,
		Status:  NewStatusWriter(filepath.Join(t.TempDir(), "status")),
		NewEnv: func(p config.Project) Env {
			fake := h.shells[p.Name]
			return Env{
				Git:       git.New(fake, p.Path),
				GitHub:    github.New(fake, p.Path, ""),
				Agent:     h.agent,
				Shell:     fake,
				Artifacts: artifact.NewStore(p.EnrichPath()),
			}
		},
	}
	return h
}

// project creates a project directory holding planYAML and a scripted shell
// that reports a git work tree.
func (h *harness) project(t *testing.T, name, planYAML string) (config.Project, *shelltest.Fake) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultPlanFile), []byte(planYAML), 0644))
	fake := shelltest.New().On("git rev-parse --is-inside-work-tree", shelltest.Response{Stdout: "true\n"})
	h.shells[name] = fake
	p := config.Project{Name: name, Path: dir, MainBranch: "main"}
	h.projects[name] = p
	return p, fake
}

func TestRunOnce_CompleteWhenPreCompleted(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan+"completed: [A]\n")

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Stop)
	assert.Empty(t, sum.Actions)
	assert.Equal(t, 0, h.agent.calls)
	assert.Empty(t, lock.Held())
}

func TestRunOnce_WaitsForReview(t *testing.T) {
	h := newHarness(t)
	p, fake := h.project(t, "demo", onePlan)
	fake.
		On("git for-each-ref", shelltest.Response{Stdout: "1700000000\tprp/a/first-thing\n"}).
		On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"OPEN","headRefName":"prp/a/first-thing","reviewDecision":"REVIEW_REQUIRED","labels":[]}]`})

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StopWaitingReview, sum.Stop)
	assert.Equal(t, "A", sum.Waiting)
	assert.Equal(t, 0, h.agent.calls)

	events := h.events.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, progress.StatusWaiting, last.Status)
	assert.Equal(t, "4", last.Metadata["pr"])
}

func TestRunOnce_MergeThenComplete(t *testing.T) {
	h := newHarness(t)
	p, fake := h.project(t, "demo", onePlan)
	fake.
		On("git for-each-ref", shelltest.Response{Stdout: "1700000000\tprp/a/first-thing\n"}).
		On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"OPEN","headRefName":"prp/a/first-thing","reviewDecision":"CHANGES_REQUESTED","labels":[{"name":"approved"}]}]`}).
		On("gh pr merge 4", shelltest.Response{Do: func(shell.Command) {
			fake.On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"MERGED","headRefName":"prp/a/first-thing","mergedAt":"2024-05-01T10:00:00Z"}]`})
		}})

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StopComplete, sum.Stop)
	require.Len(t, sum.Actions, 1)
	assert.Equal(t, "merge", sum.Actions[0].Action)
	assert.Equal(t, workflow.Done, sum.Actions[0].Outcome)
	assert.True(t, fake.Called("gh pr merge 4 --squash --delete-branch"))
}

// enrichScenario scripts a plan whose single item gets enriched and then
// executed without producing changes.
func enrichScenario(t *testing.T, h *harness) config.Project {
	t.Helper()
	p, _ := h.project(t, "demo", onePlan)
	store := artifact.NewStore(p.EnrichPath())
	h.agent.do = func(req agent.Request) (*agent.Result, error) {
		if _, ok := store.Exists("A"); !ok {
			require.NoError(t, os.MkdirAll(store.Dir, 0755))
			require.NoError(t, os.WriteFile(store.Path("A"), []byte("# Plan A\n"), 0644))
		}
		return &agent.Result{}, nil
	}
	return p
}

func TestRunOnce_ReDerivesAfterEachAction(t *testing.T) {
	h := newHarness(t)
	p := enrichScenario(t, h)

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StopNoop, sum.Stop)
	require.Len(t, sum.Actions, 2)
	assert.Equal(t, "enrich", sum.Actions[0].Action)
	assert.Equal(t, workflow.Done, sum.Actions[0].Outcome)
	assert.Equal(t, "execute", sum.Actions[1].Action)
	assert.Equal(t, workflow.Noop, sum.Actions[1].Outcome)
	assert.Equal(t, 2, sum.Iterations)
	assert.Equal(t, 2, h.agent.calls)
}

func TestRunOnce_MaxIterations(t *testing.T) {
	h := newHarness(t)
	h.orch.MaxIterations = 1
	p := enrichScenario(t, h)

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, StopMaxIterations, sum.Stop)
	require.Len(t, sum.Actions, 1)
	assert.Equal(t, 1, h.agent.calls)
}

func TestRunOnce_WorkflowFailure(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan)
	h.agent.do = func(req agent.Request) (*agent.Result, error) {
		return &agent.Result{ExitCode: 1}, nil
	}

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, workflow.ErrAgentFailed)
	assert.Equal(t, StopFailed, sum.Stop)
	require.Len(t, sum.Actions, 1)
	assert.NotEmpty(t, sum.Actions[0].Error)
	assert.Empty(t, lock.Held())

	events := h.events.Events()
	assert.Equal(t, progress.StatusError, events[len(events)-1].Status)
}

func TestRunOnce_Locked(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan)

	other := lock.NewManager(h.lockDir)
	other.Owner = "cron"
	ok, err := other.Acquire("demo")
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = other.Release("demo") })

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "cron")
	assert.Equal(t, StopLocked, sum.Stop)
	assert.Equal(t, 0, h.agent.calls)
}

func TestRunOnce_PreflightErrors(t *testing.T) {
	t.Run("not a repository", func(t *testing.T) {
		h := newHarness(t)
		p, fake := h.project(t, "demo", onePlan)
		fake.On("git rev-parse --is-inside-work-tree", shelltest.Response{ExitCode: 128, Stderr: "fatal: not a git repository"})

		sum, err := h.orch.RunOnce(context.Background(), p)
		require.ErrorIs(t, err, ErrNotRepository)
		assert.Equal(t, StopFailed, sum.Stop)
		assert.False(t, fake.Called("gh"))
	})

	t.Run("gh not authenticated", func(t *testing.T) {
		h := newHarness(t)
		p, fake := h.project(t, "demo", onePlan)
		fake.On("gh auth status", shelltest.Response{ExitCode: 1, Stderr: "You are not logged into any GitHub hosts"})

		_, err := h.orch.RunOnce(context.Background(), p)
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("invalid plan", func(t *testing.T) {
		h := newHarness(t)
		p, _ := h.project(t, "demo", onePlan+"  - id: B\n    title: Second\n    depends_on: [Z]\n")

		_, err := h.orch.RunOnce(context.Background(), p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown dependency")
		assert.Empty(t, lock.Held())
	})
}

func TestRunOnce_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.orch.RunOnce(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopContextCancelled, sum.Stop)
	assert.Empty(t, lock.Held())
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	h := newHarness(t)
	bad, fake := h.project(t, "bad", onePlan)
	fake.On("git rev-parse --is-inside-work-tree", shelltest.Response{ExitCode: 128})
	good, _ := h.project(t, "good", onePlan+"completed: [A]\n")

	sums, err := h.orch.RunAll(context.Background(), []config.Project{bad, good})
	require.ErrorIs(t, err, ErrNotRepository)
	require.Len(t, sums, 2)
	assert.Equal(t, StopFailed, sums[0].Stop)
	assert.Equal(t, StopComplete, sums[1].Stop)
	assert.Equal(t, StopFailed, Worst(sums))
}

func TestRunAll_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sums, err := h.orch.RunAll(ctx, []config.Project{p})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sums)
}

func TestRunOnce_RecordsSpans(t *testing.T) {
	h := newHarness(t)
	p, fake := h.project(t, "demo", onePlan)
	fake.
		On("git for-each-ref", shelltest.Response{Stdout: "1700000000\tprp/a/first-thing\n"}).
		On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"OPEN","headRefName":"prp/a/first-thing","reviewDecision":"APPROVED","labels":[]}]`}).
		On("gh pr merge", shelltest.Response{ExitCode: 1, Stderr: "not mergeable"})

	_, err := h.orch.RunOnce(context.Background(), p)
	require.Error(t, err)

	names := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range h.spans.Ended() {
		names[s.Name()] = s
	}
	require.Contains(t, names, "run")
	require.Contains(t, names, "cycle")
	assert.Contains(t, names["run"].Attributes(), attribute.String("prpflow.stop_reason", "failed"))
	assert.Contains(t, names["cycle"].Attributes(), attribute.String("prpflow.action", "merge"))
	assert.Equal(t, "Error", names["cycle"].Status().Code.String())
}

func TestRunOnce_WritesStatus(t *testing.T) {
	h := newHarness(t)
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h.orch.Now = func() time.Time { return fixed }
	p, fake := h.project(t, "demo", onePlan)
	fake.
		On("git for-each-ref", shelltest.Response{Stdout: "1700000000\tprp/a/first-thing\n"}).
		On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"OPEN","headRefName":"prp/a/first-thing","reviewDecision":"APPROVED","labels":[]}]`}).
		On("gh pr merge 4", shelltest.Response{Do: func(shell.Command) {
			fake.On("gh pr list", shelltest.Response{Stdout: `[{"number":4,"state":"MERGED","headRefName":"prp/a/first-thing","mergedAt":"2024-05-01T10:00:00Z"}]`})
		}})

	sum, err := h.orch.RunOnce(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, sum.Actions, 1)

	stored, err := h.orch.Status.Read("demo")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, sum.RunID, stored.RunID)
	assert.Equal(t, StopComplete, stored.Stop)
	assert.True(t, fixed.Equal(stored.FinishedAt))
	assert.Equal(t, sum.Actions, stored.Actions)
	assert.Equal(t, workflow.Done, stored.Actions[0].Outcome)

	missing, err := h.orch.Status.Read("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNewEnvFactory_ArtifactSearchSkipsRepoRoot(t *testing.T) {
	root := t.TempDir()
	p := config.Project{Name: "demo", Path: root, EnrichDir: "docs/plans"}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# demo\n"), 0644))

	store := NewEnvFactory(shelltest.New(), nil, "")(p).Artifacts
	assert.Equal(t, filepath.Join(root, "docs/plans"), store.Dir)
	assert.NotContains(t, store.Candidates, root)
	_, err := store.Locate("A")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestInspect_DoesNotLock(t *testing.T) {
	h := newHarness(t)
	p, _ := h.project(t, "demo", onePlan)
	other := lock.NewManager(h.lockDir)
	ok, err := other.Acquire("demo")
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = other.Release("demo") })

	pl, states, err := h.orch.Inspect(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "demo", pl.Project)
	require.Len(t, states, 1)
	assert.False(t, states[0].Enriched())
}

func TestStopReason(t *testing.T) {
	seen := map[int]StopReason{}
	for r := StopComplete; r <= StopFailed; r++ {
		code := r.ExitCode()
		_, dup := seen[code]
		assert.False(t, dup, "exit code %d reused by %s", code, r)
		seen[code] = r

		data, err := json.Marshal(r)
		require.NoError(t, err)
		var back StopReason
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, r, back)
	}
	assert.Equal(t, "unknown", StopReason(99).String())
	_, err := ParseStopReason("bogus")
	assert.Error(t, err)
	assert.Equal(t, StopComplete, Worst(nil))
}
