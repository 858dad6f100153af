package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/hireflow/pkg/mcp"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the hireflow MCP tools over stdio",
		Long:  "Runs the event pipeline in-process and exposes ingest, workflow and execution tools to an MCP client on stdin/stdout.",
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

			a.engine.Start(ctx)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := a.engine.Stop(shutdownCtx); err != nil {
					logger.Error("engine shutdown", slog.String("error", err.Error()))
				}
			}()

			srv := mcp.NewHireflowServer(mcp.HireflowServerDeps{
				Ingester:   a.engine,
				Workflows:  a.engine.Workflows(),
				Executions: a.store,
				Hub:        a.hub,
				Logger:     logger,
			})
			logger.Info("mcp server listening on stdio")
			return srv.Serve(ctx)
		},
	}
}
