package main

import (
	"github.com/spf13/cobra"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply audit table migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		if err := store.Migrate(cfg.Database.DSN()); err != nil {
			logger.Error("Migration failed", logging.Error(err))
			return err
		}
		logger.Info("Migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
