package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pongrelay/internal/relay"
)

func newScanCommand(opts *rootOptions) *cobra.Command {
	var (
		usage string
		from  uint64
		to    uint64
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one range scan and exit",
		Long: `Scan a block range once. The inbound stream queues RequestRaised events;
the outbound stream reconciles ResponseRecorded logs sent by this relay.
Nothing is submitted. Without --from the scan resumes after the stored
checkpoint; without --to it runs up to the latest block.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			u := relay.Usage(usage)
			var sc *relay.Scanner
			switch u {
			case relay.UsageInbound:
				ledger := relay.NewLedger(e.store, e.cfg.InFlightCapacity)
				sc = relay.NewInboundScanner(e.client, e.store, relay.NewIngestor(e.store, ledger, e.audit), e.cfg.WindowSize)
			case relay.UsageOutbound:
				rec := relay.NewReconciler(e.store, e.client.Responder(), e.audit)
				sc = relay.NewOutboundScanner(e.client, e.store, rec, e.cfg.WindowSize)
			default:
				return fmt.Errorf("--usage must be %q or %q", relay.UsageInbound, relay.UsageOutbound)
			}

			if !cmd.Flags().Changed("from") {
				ckpt, _, err := e.store.Checkpoint(ctx, u)
				if err != nil {
					return err
				}
				from = relay.NextFrom(ckpt, e.cfg.StartBlock)
			}
			var toPtr *uint64
			if cmd.Flags().Changed("to") {
				toPtr = &to
			}

			res, err := sc.Scan(ctx, from, toPtr)
			if res.Advanced() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: scanned %d window(s) from %d, checkpoint %d, %d record(s)\n",
					u, res.Windows, from, res.Checkpoint, res.Events)
			} else if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to scan from %d\n", u, from)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&usage, "usage", string(relay.UsageInbound), "stream to scan: inbound or outbound")
	cmd.Flags().Uint64Var(&from, "from", 0, "first block (default: checkpoint+1 or start block)")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block (default: latest)")
	return cmd
}
