package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/hireflow/internal/api"
	"github.com/rendis/hireflow/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST server, event pipeline and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := scheduler.NewScheduler(a.engine, cfg.SchedulerOptions(), logger)
			if err != nil {
				return err
			}

			a.engine.Start(ctx)
			if err := sched.Start(ctx); err != nil {
				return err
			}

			srv := api.NewServer(cfg.ListenAddr, api.Deps{
				Engine: a.engine,
				Ledger: a.store,
				Hub:    a.hub,
				Jobs:   sched.Jobs,
				Logger: logger,
			})
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			logger.Info("hireflow started",
				slog.String("version", version),
				slog.String("listen_addr", cfg.ListenAddr),
				slog.String("db_path", cfg.DBPath),
				slog.String("deferred_backend", cfg.Deferred.Backend),
			)

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case serveErr = <-errCh:
				if serveErr != nil {
					serveErr = fmt.Errorf("http server: %w", serveErr)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Error("http server shutdown", slog.String("error", err.Error()))
			}
			if err := sched.Stop(); err != nil {
				logger.Error("scheduler shutdown", slog.String("error", err.Error()))
			}
			if err := a.engine.Stop(shutdownCtx); err != nil {
				logger.Error("engine shutdown", slog.String("error", err.Error()))
			}
			logger.Info("hireflow stopped")
			return serveErr
		},
	}
}
