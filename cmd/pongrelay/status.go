package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pongrelay/internal/ethutil"
	"pongrelay/internal/relay"
	"pongrelay/internal/store"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var event string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print checkpoints and queue counts from the store",
		Long: `Print the stored checkpoints and the number of obligations per state.
With --event print a single obligation. Only the store is opened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg
			if err := cfg.ValidateStore(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if event != "" {
				id, err := ethutil.ParseHash(event)
				if err != nil {
					return err
				}
				ob, err := st.Get(ctx, id)
				if err != nil {
					return err
				}
				printObligation(out, ob)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, u := range []relay.Usage{relay.UsageInbound, relay.UsageOutbound} {
				b, ok, err := st.Checkpoint(ctx, u)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(tw, "checkpoint %s\t%d\n", u, b)
				} else {
					fmt.Fprintf(tw, "checkpoint %s\t-\n", u)
				}
			}
			counts, err := st.CountByState(ctx)
			if err != nil {
				return err
			}
			for _, s := range []relay.State{relay.StatePending, relay.StateProcessing, relay.StateCompleted, relay.StateFailed} {
				fmt.Fprintf(tw, "obligations %s\t%d\n", s, counts[s])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "event id (request tx hash) to show")
	return cmd
}

func printObligation(w io.Writer, ob relay.Obligation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "event\t%s\n", ob.EventID.Hex())
	fmt.Fprintf(tw, "block\t%d\n", ob.Block)
	fmt.Fprintf(tw, "state\t%s\n", ob.State)
	fmt.Fprintf(tw, "done\t%t\n", ob.Done)
	if ob.Nonce != nil {
		fmt.Fprintf(tw, "nonce\t%d\n", *ob.Nonce)
	} else {
		fmt.Fprintf(tw, "nonce\t-\n")
	}
	fmt.Fprintf(tw, "attempt\t%d\n", ob.Attempt)
	if ob.LastTx != nil {
		fmt.Fprintf(tw, "last tx\t%s\n", ob.LastTx.Hex())
	} else {
		fmt.Fprintf(tw, "last tx\t-\n")
	}
	fmt.Fprintf(tw, "updated\t%s\n", ob.UpdatedAt.UTC().Format("2006-01-02 15:04:05.000"))
	tw.Flush()
}
