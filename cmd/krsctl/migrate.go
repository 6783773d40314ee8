package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/krs-api/internal/app"
	"github.com/noah-isme/krs-api/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logr, err := bootstrap()
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck

		db, err := database.NewPostgres(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()

		return app.Migrate(cmd.Context(), db, logr)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
