package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentdev/ads/internal/auth"
	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/logger"
	"github.com/agentdev/ads/internal/db"
)

func initAdminCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "init-admin",
		Short: "Create a web user in the global database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthService(func(ctx context.Context, svc *auth.Service) error {
				u, err := svc.CreateUser(ctx, username, password)
				if err != nil {
					return err
				}
				fmt.Printf("created user %s (%s)\n", u.Username, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "username to create")
	cmd.Flags().StringVar(&password, "password", "", "password for the new user")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func resetAdminCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "reset-admin",
		Short: "Reset a web user's password and revoke their sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuthService(func(ctx context.Context, svc *auth.Service) error {
				if err := svc.ResetPassword(ctx, username, password); err != nil {
					return err
				}
				fmt.Printf("password reset for %s\n", username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "username to reset")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// withAuthService loads config, opens the global database, and hands an auth
// service to fn.
func withAuthService(fn func(context.Context, *auth.Service) error) error {
	cfg, err := config.LoadWithPath(cfgFile)
	if err != nil {
		return err
	}
	globalDB, driver, err := openGlobalDB(cfg)
	if err != nil {
		return err
	}
	defer globalDB.Close()

	store, err := auth.NewStore(globalDB, driver)
	if err != nil {
		return err
	}
	return fn(context.Background(), auth.NewService(store, cfg.Auth, logger.Default()))
}

// openGlobalDB opens the process-global auth/preferences database, Postgres
// when a DSN is configured and SQLite otherwise.
func openGlobalDB(cfg *config.Config) (*sql.DB, string, error) {
	if cfg.GlobalDB.PostgresDSN != "" {
		sqlDB, err := db.OpenPostgres(cfg.GlobalDB.PostgresDSN, 8, 2)
		if err != nil {
			return nil, "", err
		}
		return sqlDB, "pgx", nil
	}
	sqlDB, err := db.OpenSQLite(cfg.GlobalDB.Path)
	if err != nil {
		return nil, "", err
	}
	return sqlDB, "sqlite3", nil
}
