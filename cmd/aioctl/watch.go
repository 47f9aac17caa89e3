package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manish-psys/aioctl/internal/drift"
)

func newWatchCmd(a *app) *cobra.Command {
	var listen, schedule string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run periodic drift checks and serve the results over HTTP",
		Long: `Watch stays in the foreground, re-verifies the plan on a cron schedule,
and serves /healthz, /api/v1/drift and /metrics. It only ever probes; repair
remains an explicit apply or recover.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.loadPlan()
			if err != nil {
				return err
			}

			mon := drift.NewMonitor(a.log, p, a.runner(), a.cfg.CommandTimeout*time.Duration(len(p.Steps)))
			if err := mon.Start(schedule); err != nil {
				return err
			}
			defer mon.Stop()

			srv := &http.Server{
				Addr:              listen,
				Handler:           mon.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.log.Info().Str("listen", listen).Str("schedule", schedule).Msg("watching")

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9605", "HTTP listen address")
	cmd.Flags().StringVar(&schedule, "schedule", "*/5 * * * *", "cron schedule for verify passes")
	return cmd
}
