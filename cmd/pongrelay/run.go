package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pongrelay/internal/statusapi"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Long: `Run the relay supervisor: reconcile mined responses, resume outstanding
transactions, catch up on RequestRaised events, then follow the chain live
(websocket/ipc) and by polling.

The process exits non-zero only when the consecutive failure budget is spent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statusAddr != "" {
				opts.cfg.StatusAddr = statusAddr
			}
			return runRelay(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "listen address for /healthz, /metrics and status endpoints (or STATUS_ADDR)")
	return cmd
}

func runRelay(ctx context.Context, opts *rootOptions) error {
	e, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	alerts, closeAlerts, err := buildAlerts(ctx, e.cfg.Alert)
	if err != nil {
		return err
	}
	defer closeAlerts()

	sup := e.supervisor(alerts)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(gctx)
	defer stopRun()

	g.Go(func() error {
		defer stopRun()
		return sup.Run(runCtx)
	})

	if addr := e.cfg.StatusAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           statusapi.NewRouter(e.store),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[status] listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}
