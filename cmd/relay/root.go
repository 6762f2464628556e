package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PratikDhanave/ingestion-relay/internal/config"
	"github.com/PratikDhanave/ingestion-relay/internal/logging"
)

const serviceName = "ingestion-relay"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Event ingestion relay",
	Long: `relay accepts JSON events over HTTP, audits every request in Postgres
and forwards accepted events to a Snowplow collector with retries.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./relay.yaml or /etc/relay/relay.yaml)")
}

// loadConfig loads configuration and installs the process logger.
func loadConfig() (config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Logging).With(logging.Service(serviceName))
	logging.SetDefault(logger)
	return cfg, logger, nil
}
