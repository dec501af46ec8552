package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skylift/skylift/pkg/api"
)

func newServeCommand() *cobra.Command {
	var (
		listenAddress string
		sweepInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Serve exposes the deployment lifecycle over HTTP: submission, derived
status, the raw event stream, TTL management, and teardown. Expired
TTLs are swept in the background while the server runs.`,
		Example: `  # Serve on the configured address
  skylift serve

  # Serve on a specific address with a faster sweep
  skylift serve --listen 0.0.0.0:8089 --sweep-interval 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if listenAddress != "" {
				a.cfg.API.ListenAddress = listenAddress
			}

			server := api.NewServer(a.cfg, a.orch, a.workspace, a.events, a.store, a.log, a.metrics)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(ctx)
			})
			g.Go(func() error {
				return a.runSweeper(ctx, sweepInterval)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen", "", "listen address (overrides the config file)")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Minute, "how often to sweep expired TTLs")

	return cmd
}

// runSweeper destroys expired deployments on a fixed cadence until ctx
// is cancelled.
func (a *app) runSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := a.orch.TTL().Sweep(ctx, a.orch)
			if err != nil {
				a.log.WithError(err).Warn("TTL sweep failed")
				continue
			}
			if len(result.ExpiredDeployments) > 0 {
				a.log.Infof("TTL sweep destroyed %d of %d expired deployments",
					result.DestroyedCount, len(result.ExpiredDeployments))
			}
		}
	}
}
