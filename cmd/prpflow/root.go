package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"prpflow/internal/config"
	"prpflow/internal/lock"
	"prpflow/internal/orchestrator"
	"prpflow/internal/report"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "prpflow",
	Short: "Drive plan items from enrichment to merged pull requests",
	Long: `prpflow reads a plan of work items from each configured repository and
moves every item through enrich, execute, revise and merge. State is derived
from git, the review host and the filesystem on every iteration; nothing is
remembered between runs.

Run it from cron or a systemd timer. Each project is processed under a lock,
so overlapping invocations skip projects that are already being worked on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: $PRPFLOW_CONFIG, $XDG_CONFIG_HOME/prpflow/config.yaml, ./prpflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging and raw agent output")
	rootCmd.AddCommand(runCmd, statusCmd, unlockCmd)
}

// exitError carries a process exit code out of a RunE function.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "\nOperation cancelled")
		return orchestrator.StopContextCancelled.ExitCode()
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// app is the state shared by every command once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	locks    *lock.Manager
	status   *orchestrator.StatusWriter
	renderer *report.Renderer
	out      io.Writer
}

func loadApp(cmd *cobra.Command) (*app, error) {
	loader := config.NewLoader()
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = loader.LoadFromFile(configFile)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, err
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, verbose)
	if f := loader.ConfigFileUsed(); f != "" {
		logger.Debug("config loaded", "file", f)
	}

	lockDir, statusDir, err := cfg.StateDirs()
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(lockDir)
	locks.TTL = cfg.Lock.TTL

	return &app{
		cfg:      cfg,
		logger:   logger,
		locks:    locks,
		status:   orchestrator.NewStatusWriter(statusDir),
		renderer: report.New(),
		out:      cmd.OutOrStdout(),
	}, nil
}

func newLogger(w io.Writer, level string, verbose bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
