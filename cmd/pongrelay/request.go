package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pongrelay/internal/relay"
)

func newRequestCommand(opts *rootOptions) *cobra.Command {
	var (
		count   int
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Call request() on the contract to raise test events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be > 0")
			}
			ctx := cmd.Context()
			e, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			for i := 0; i < count; i++ {
				tx, err := e.client.SendRequest(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "request tx %s\n", tx.Hex())
				if !wait {
					continue
				}
				wctx, cancel := context.WithTimeout(ctx, timeout)
				st, err := e.client.WaitMined(wctx, tx)
				cancel()
				if err != nil {
					return fmt.Errorf("wait for %s: %w", tx.Hex(), err)
				}
				if st.State != relay.TxSucceeded {
					return fmt.Errorf("request tx %s %s in block %d", tx.Hex(), st.State, st.Block)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  mined in block %d\n", st.Block)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of request() transactions to send")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for each transaction to be mined")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for each receipt")
	return cmd
}
