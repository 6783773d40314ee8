package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/krs-api/internal/app"
	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/pkg/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load sessions, students, courses and advisor assignments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := loadReferenceData(args[0])
		if err != nil {
			return err
		}

		cfg, logr, err := bootstrap()
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck
		if cfg.Store.Driver == config.StoreDriverMemory {
			return fmt.Errorf("seed needs a persistent store, STORE_DRIVER is %q", cfg.Store.Driver)
		}

		backends, err := app.OpenBackends(cmd.Context(), cfg, logr)
		if err != nil {
			return err
		}
		defer backends.Close()

		if err := backends.Catalog.Seed(cmd.Context(), *data); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		logr.Info("reference data loaded",
			zap.Int("sessions", len(data.Sessions)),
			zap.Int("students", len(data.Students)),
			zap.Int("courses", len(data.Courses)),
			zap.Int("advisors", len(data.Advisors)),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func loadReferenceData(path string) (*models.ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var data models.ReferenceData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sessions := make(map[string]bool, len(data.Sessions))
	for _, s := range data.Sessions {
		if s.ID == "" {
			return nil, fmt.Errorf("%s: session without id", path)
		}
		sessions[s.ID] = true
	}
	for _, c := range data.Courses {
		if c.ID == "" || c.InstructorID == "" {
			return nil, fmt.Errorf("%s: course %q needs an id and an instructor", path, c.Code)
		}
		if c.Credits <= 0 {
			return nil, fmt.Errorf("%s: course %s has non-positive credits", path, c.ID)
		}
		if !sessions[c.SessionID] {
			return nil, fmt.Errorf("%s: course %s references unknown session %q", path, c.ID, c.SessionID)
		}
	}
	for _, s := range data.Students {
		if s.ID == "" || s.DepartmentCode == "" || s.Year <= 0 {
			return nil, fmt.Errorf("%s: student %q needs an id, department and year", path, s.ID)
		}
	}
	return &data, nil
}
