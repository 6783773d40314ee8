package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/krs-api/internal/models"
	"github.com/noah-isme/krs-api/internal/service"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed access token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawRole, _ := cmd.Flags().GetString("role")
		extraRaw, _ := cmd.Flags().GetStringSlice("extra-role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		role, err := models.ParseUserRole(rawRole)
		if err != nil {
			return err
		}
		extra := make([]models.UserRole, 0, len(extraRaw))
		for _, r := range extraRaw {
			parsed, err := models.ParseUserRole(r)
			if err != nil {
				return err
			}
			extra = append(extra, parsed)
		}

		cfg, logr, err := bootstrap()
		if err != nil {
			return err
		}
		defer logr.Sync() //nolint:errcheck

		auth := service.NewAuthService(logr, service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			AccessTokenExpiry: cfg.JWT.Expiration,
			Issuer:            cfg.JWT.Issuer,
		})
		token, expiresAt, err := auth.GenerateToken(args[0], role, extra, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "role=%s extra=%s expires=%s\n", role, strings.Join(extraRaw, ","), expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("role", string(models.RoleStudent), "primary role")
	tokenCmd.Flags().StringSlice("extra-role", nil, "additional granted roles")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime, defaults to JWT_EXPIRATION")
	rootCmd.AddCommand(tokenCmd)
}
