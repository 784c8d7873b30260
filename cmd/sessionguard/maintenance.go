package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/migueldesapazr-gif/sessionguard/stores/postgres"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadServerConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention cleanup pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadServerConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, closeBackends, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeBackends()

			report, err := svc.RunCleanup(ctx, time.Now())
			fmt.Fprintf(cmd.OutOrStdout(),
				"changed=%t events=%d attempt_keys=%d cooldowns=%d dispatches=%d push_tokens=%d sessions=%d attestations=%d\n",
				report.Changed, report.Events, report.AttemptKeys, report.Cooldowns,
				report.Dispatches, report.PushTokens, report.Sessions, report.Attestations)
			return err
		},
	}
}
