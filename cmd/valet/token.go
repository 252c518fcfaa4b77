package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/valet/internal/auth"
	"github.com/haasonsaas/valet/internal/config"
)

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		tenantID   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !cfg.Auth.Enabled || cfg.Auth.Secret == "" {
				return errors.New("auth is not enabled in the configuration")
			}
			svc := auth.NewJWTService(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			token, err := svc.Generate(tenantID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id to embed in the token")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
