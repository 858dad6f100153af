package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/hireflow/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hireflow",
		Short:         "Recruitment workflow automation engine",
		Long:          "Hireflow matches candidate lifecycle events against workflow rules and runs their actions.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().String("config", "", "Path to config file (default: ./hireflow.yaml or ~/.hireflow/hireflow.yaml)")
	root.PersistentFlags().String("listen", "", "HTTP listen address")
	root.PersistentFlags().String("db", "", "Database path")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newReconcileCommand())
	root.AddCommand(newMCPCommand())
	root.AddCommand(newDiagramCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig resolves settings for cmd: defaults, config file, env, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
