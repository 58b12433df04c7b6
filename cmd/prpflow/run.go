package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prpflow/internal/agent"
	"prpflow/internal/lock"
	"prpflow/internal/orchestrator"
	"prpflow/internal/progress"
	"prpflow/internal/shell"
	"prpflow/internal/trace"
	"prpflow/internal/workflow"
)

var maxIterations int

var runCmd = &cobra.Command{
	Use:   "run [project...]",
	Short: "Advance every plan item as far as possible",
	Long: `Run the orchestration loop for the named projects, or for every configured
project when none are named. Projects are processed one at a time, in order.

Each project run stops when the plan is complete, when an item waits for a
human review decision, when nothing can proceed, or when an action fails.

Exit codes:
  0    all projects complete
  1    an action or preflight check failed
  2    waiting for review
  3    blocked
  4    an action made no changes
  5    iteration cap reached
  6    a project was locked by another run
  130  interrupted

With several projects the most severe outcome decides the exit code.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "cap on actions per project (default from config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.ReleaseAll(); err != nil {
			a.logger.Warn("release locks failed", "error", err)
		}
	}()

	projects, err := a.cfg.Select(args)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return fmt.Errorf("no projects configured")
	}

	tp, err := trace.Setup(ctx, trace.Config{
		Endpoint:    a.cfg.Telemetry.OTLPEndpoint,
		ServiceName: a.cfg.Telemetry.ServiceName,
		Insecure:    a.cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	formatter := agent.NewLogFormatter(cmd.ErrOrStderr(), verbose)
	cli := agent.NewCLI(a.cfg.Agent.BinaryPath, a.cfg.Agent.Model, formatter)

	iterations := a.cfg.Run.MaxIterations
	if maxIterations > 0 {
		iterations = maxIterations
	}

	orch := &orchestrator.Orchestrator{
		Locks:       a.locks,
		NewEnv:      orchestrator.NewEnvFactory(shell.ExecRunner{}, cli, a.cfg.Git.BotToken),
		Credentials: a.cfg.Git.Credentials(),
		Timeouts: workflow.Timeouts{
			Enrich:  a.cfg.Agent.EnrichTimeout,
			Execute: a.cfg.Agent.ExecuteTimeout,
			Revise:  a.cfg.Agent.ReviseTimeout,
		},
		MaxIterations: iterations,
		Logger:        a.logger,
		Tracer:        tp.Tracer(),
		Emitter:       &progress.LogEmitter{Logger: a.logger},
		Status:        a.status,
	}

	summaries, runErr := orch.RunAll(ctx, projects)
	for _, sum := range summaries {
		fmt.Fprint(a.out, a.renderer.Summary(sum))
	}

	worst := orchestrator.Worst(summaries)
	if ctx.Err() != nil {
		worst = orchestrator.StopContextCancelled
	}
	if code := worst.ExitCode(); code != 0 {
		// Per-project errors are already in the summaries.
		return &exitError{code: code}
	}
	return runErr
}
