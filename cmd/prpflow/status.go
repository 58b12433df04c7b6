package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"prpflow/internal/orchestrator"
	"prpflow/internal/shell"
)

var statusCmd = &cobra.Command{
	Use:   "status [project...]",
	Short: "Show the derived state of every plan item",
	Long: `Derive and print the state of each plan item without taking any action or
the project lock. The last line names the action the next run would take.

The outcome of the previous run, when recorded, is shown below the table.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	projects, err := a.cfg.Select(args)
	if err != nil {
		return err
	}

	orch := &orchestrator.Orchestrator{
		Locks:  a.locks,
		NewEnv: orchestrator.NewEnvFactory(shell.ExecRunner{}, nil, a.cfg.Git.BotToken),
		Logger: a.logger,
	}
	var failed int
	for _, p := range projects {
		pl, states, err := orch.Inspect(cmd.Context(), p)
		if err != nil {
			fmt.Fprintln(a.out, a.renderer.Styles.Error.Render(fmt.Sprintf("%s: %v", p.Name, err)))
			failed++
			continue
		}
		fmt.Fprint(a.out, a.renderer.StatusTable(p.Name, states, pl.CompletedSet()))

		last, err := a.status.Read(p.Name)
		if err != nil {
			a.logger.Warn("read last run failed", "project", p.Name, "error", err)
		}
		fmt.Fprintln(a.out, a.renderer.LastRun(last))
		if holder, err := a.locks.Holder(p.Name); err == nil && holder != nil {
			fmt.Fprintln(a.out, a.renderer.Styles.Warning.Render("locked by "+holder.String()))
		}
		fmt.Fprintln(a.out)
	}
	if failed > 0 {
		return &exitError{code: 1}
	}
	return nil
}
