package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cloudx-io/sealedbid/config"
	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/server"
	"github.com/cloudx-io/sealedbid/settlement"
)

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	logger := commonRun()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, registry)
	if err != nil {
		slog.Error("failed to start", "component", programName, "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown", "component", programName, "error", err)
		}
	}()

	keys, err := loadReceiptKeys(cfg.ReceiptKeyPath, logger)
	if err != nil {
		slog.Error("failed to load receipt key", "component", programName, "error", err)
		return err
	}

	sweeper := settlement.NewSweeper(a.svc, cfg.CloseInterval, cfg.FallbackInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := server.New(a.svc,
		server.WithIssuer(receipt.NewIssuer(keys, logger)),
		server.WithGatherer(registry),
		server.WithHealthCheck(a.store.Ping),
		server.WithLogger(logger),
	)
	logger.Info("starting auctiond",
		"component", programName,
		"database", cfg.DatabaseDriver,
		"admission", cfg.AdmissionBackend,
		"chain_id", cfg.ChainID,
	)
	if err := srv.ListenAndServe(ctx, cfg.BindAddr, cfg.ShutdownTimeout); err != nil {
		slog.Error("http server failed", "component", programName, "error", err)
		return err
	}
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement API and the background sweeps",
		RunE:  serveRun,
	}
}

// sweepCommand runs one closer sweep followed by one fallback sweep, for cron-style deployments.
func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the close and fallback sweeps once and print their reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			logger := commonRun()

			a, err := newApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			return runSweeps(cmd.Context(), a.svc, cmd)
		},
	}
}

func runSweeps(ctx context.Context, svc *settlement.Service, cmd *cobra.Command) error {
	closed, err := svc.CloseDueAuctions(ctx)
	if err != nil {
		return err
	}
	fallbacks, err := svc.RunFallbackSweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]*settlement.SweepReport{
		"close":    closed,
		"fallback": fallbacks,
	})
}
