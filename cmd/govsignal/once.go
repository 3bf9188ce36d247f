package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var errDaemonOnly = errors.New("only --once is supported; use serve for periodic runs")

// oneShot builds a command that runs a single pass of a periodic job.
func oneShot(use, short string, job func(a *app) func(context.Context) error) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !once {
				return errDaemonOnly
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return job(a)(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func scanCommand() *cobra.Command {
	return oneShot("scan", "Scan the governor for new proposals and announce them",
		func(a *app) func(context.Context) error { return a.runner.Scan })
}

func tickCommand() *cobra.Command {
	return oneShot("tick", "Close and export due polls",
		func(a *app) func(context.Context) error { return a.runner.Tick })
}

func gateCommand() *cobra.Command {
	return oneShot("gate", "Submit passed polls to the multisig",
		func(a *app) func(context.Context) error { return a.runner.Gate })
}
