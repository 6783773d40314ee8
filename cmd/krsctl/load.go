package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/krs-api/internal/app"
	"github.com/noah-isme/krs-api/internal/service"
)

var loadCmd = &cobra.Command{
	Use:   "load <student-id> <session-id>",
	Short: "Print a student's reserved and committed credits for a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logr, err := bootstrap()
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck

		backends, err := app.OpenBackends(cmd.Context(), cfg, logr)
		if err != nil {
			return err
		}
		defer backends.Close()

		ledger := service.NewCreditLedger(cfg.Enrollment.MaxCreditsPerSession)
		snapshot, err := ledger.Snapshot(cmd.Context(), backends.Enrollments, args[0], args[1])
		if err != nil {
			return fmt.Errorf("read credit load: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
