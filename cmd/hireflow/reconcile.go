package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/hireflow/internal/scheduler"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fail orphaned executions once, then exit",
		Long: "Reconcile marks executions stuck in a non-terminal state as failed so workflow counters balance.\n" +
			"With --all it also redrives due deferred matches and emits stage ticks.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !all {
				n, err := a.engine.Reconcile(ctx)
				if err != nil {
					return fmt.Errorf("reconcile: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d execution(s)\n", n)
				return nil
			}

			sched, err := scheduler.NewScheduler(a.engine, cfg.SchedulerOptions(), logger)
			if err != nil {
				return err
			}
			// Stage ticks and redriven matches go through the pipeline.
			a.engine.Start(ctx)
			sched.RunAll(ctx)
			if err := a.engine.Stop(ctx); err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(sched.Jobs())
		},
	}
	cmd.Flags().Bool("all", false, "Also redrive deferred matches and emit stage ticks")
	return cmd
}
