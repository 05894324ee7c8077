package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand(opts *rootOptions) *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume outstanding submissions once and exit",
		Long: `Check every obligation with a broadcast but unconfirmed transaction and
drive it to completion: confirmed receipts are recorded, pending ones are
replaced with a bumped fee at the same nonce. With --drain the pending queue
is submitted afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			proc := e.supervisor(nil).Processor()
			n, err := proc.ResumeOutstanding(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "resumed %d obligation(s)\n", n)
			if err != nil || !drain {
				return err
			}
			n, err = proc.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d pending obligation(s)\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "also submit pending obligations")
	return cmd
}
