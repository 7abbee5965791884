package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chisel-dev/chisel/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(*cobra.Command, []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			if err := db.Migrate(cfg.PostgresURL()); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			logger.Info("migrations applied",
				"host", cfg.PostgresHost,
				"database", cfg.PostgresDBName,
			)
			return nil
		},
	}
}
