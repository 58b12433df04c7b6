package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <project>",
	Short: "Remove a project's lock marker",
	Long: `Remove the lock marker of a project whose run died without releasing it.

Markers older than the lock TTL are reclaimed automatically; use this only
when you know no run is in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func runUnlock(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	p, err := a.cfg.Project(args[0])
	if err != nil {
		return err
	}
	holder, err := a.locks.Holder(p.Name)
	if err != nil {
		return err
	}
	if holder == nil {
		fmt.Fprintf(a.out, "%s is not locked\n", p.Name)
		return nil
	}
	if err := a.locks.Release(p.Name); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "released lock on %s held by %s\n", p.Name, holder)
	return nil
}
