package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dverbeek/synthd/pkg/config"
	"github.com/dverbeek/synthd/pkg/logging"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "synthd",
	Short: "Multi-tenant orchestration for a graph-based image synthesis engine",
	Long: `synthd fronts a graph-based image synthesis engine with a job API:
admission control per tenant, a durable job store, a Redis-backed queue,
and workers that compile execution graphs and monitor runs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

// bootstrap loads configuration and builds the shared logger.
func bootstrap() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	return cfg, logger, nil
}
