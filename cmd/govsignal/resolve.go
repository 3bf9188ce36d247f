package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/stake-plus/govsignal/src/gate"
	"github.com/stake-plus/govsignal/src/gov"
)

func resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <proposalId> <confirmed|retry>",
		Short: "Resolve a submission whose outcome is unknown",
		Long: "After checking the Safe queue by hand, mark the submission as confirmed " +
			"(the transaction is there) or retry (it never arrived and may be proposed again).",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid proposal id %q", args[0])
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			in, err := a.gate.Resolve(cmd.Context(), gov.ProposalID(pid), gate.Outcome(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposal %d: intent %s (attempt %s)\n", pid, in.Status, in.AttemptID)
			return nil
		},
	}
}
