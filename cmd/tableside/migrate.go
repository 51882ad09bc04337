package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tableside/floor-core/internal/config"
	"github.com/tableside/floor-core/internal/logger"
	"github.com/tableside/floor-core/internal/repository"
	"github.com/tableside/floor-core/internal/session"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := repository.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := repository.RunMigrations(db, cfg.Database.Driver); err != nil {
				return err
			}
			log.WithField("driver", cfg.Database.Driver).Info("database migrations completed")
			return nil
		},
	}
}

func mintTokenCmd(configPath *string) *cobra.Command {
	var (
		tenantID string
		tableID  string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Print a signed entry token for a table, as encoded in its QR code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Session.SigningSecret == "" {
				return fmt.Errorf("session.signing_secret is not set")
			}
			if ttl <= 0 {
				ttl = cfg.Session.TokenTTL
			}

			token, err := session.NewMinter([]byte(cfg.Session.SigningSecret)).Mint(tenantID, tableID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant (restaurant) id")
	cmd.Flags().StringVar(&tableID, "table", "", "table id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to session.token_ttl)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}
