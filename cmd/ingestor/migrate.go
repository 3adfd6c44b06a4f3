package main

import (
	"fmt"

	"github.com/Sternrassler/datasync-ingestor/internal/app"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for the configured SQL sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Migrate(cmd.Context(), cfg); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s schema\n", cfg.Sink.Backend)
		return nil
	},
}
