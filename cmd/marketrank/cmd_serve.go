package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpserver "github.com/sawpanic/marketrank/internal/interfaces/http"
	"github.com/sawpanic/marketrank/internal/interfaces/http/handlers"
	"github.com/sawpanic/marketrank/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var noSchedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface and scheduled jobs",
		Long: `Starts the operator HTTP server (/health, /metrics, /dlq, /rank/{field})
and the cron scheduler (ingestion, DLQ requeue, static refresh, close
snapshot, freshness checks) until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, noSchedule)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Serve HTTP only, without scheduled jobs")
	return cmd
}

func runServe(ctx context.Context, noSchedule bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	h := handlers.NewHandlers(a.reporter, a.queue, a.index, a.clock, a.metrics, cfg.HTTP.RankLimit)
	sc := httpserver.DefaultServerConfig()
	sc.Port = cfg.HTTP.Port
	sc.ReadTimeout = cfg.HTTP.ReadTimeout
	sc.WriteTimeout = cfg.HTTP.WriteTimeout
	srv := httpserver.NewServer(sc, h, a.metrics)

	if !noSchedule {
		jobs := scheduler.Jobs{
			Ingest:    a.worker,
			DLQ:       a.queue,
			Snapshot:  a.snapshot,
			Freshness: a.freshness,
			Lock:      a.lock,
		}
		if cfg.Database.Enabled {
			updater, err := a.staticUpdater()
			if err != nil {
				return err
			}
			jobs.Static = updater
		}
		sched, err := scheduler.New(cfg.Schedule, jobs, a.clock, a.publisher, a.metrics)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
		log.Info().Int("jobs", sched.Entries()).Msg("Scheduler started")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
