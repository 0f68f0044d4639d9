package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/l1jgo/netplay/internal/persist"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [" + strings.Join(persist.MigrationCommands, "|") + "]",
		Short: "Manage the database schema",
		Long: `Run schema migrations against the configured PostgreSQL database.
The server applies pending migrations on start; this command is for
inspecting or rolling back by hand.

Examples:
  netplay migrate status
  netplay migrate down`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: persist.MigrationCommands,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			if !slices.Contains(persist.MigrationCommands, command) {
				return fmt.Errorf("unknown migration command %q (want %s)", command, strings.Join(persist.MigrationCommands, ", "))
			}

			cfg, log, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			db, err := persist.NewDB(ctx, cfg.Database, log)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			if err := persist.Migrate(ctx, db.Pool, command); err != nil {
				return err
			}
			log.Info("migration complete", zap.String("command", command))
			return nil
		},
	}
}
