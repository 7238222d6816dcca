// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/store"
)

// migrator is the part of *store.Migrator the migrate command uses.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Status() (store.Status, error)
	Close() error
}

// migratorFactory opens a migrator. Replaced in tests.
var migratorFactory = func(databaseURL string) (migrator, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply, roll back, or inspect the embedded schema migrations.
"up" (the default) applies every pending migration. "down" rolls back the
latest migration, or every migration with --all.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Storage.DatabaseURL == "" {
				return oops.Code("CONFIG_INVALID").Errorf("storage.database_url is required to migrate")
			}
			return runMigrate(cmd, cfg.Storage.DatabaseURL, action, all)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "with down: roll back every migration (drops all data)")
	return cmd
}

func runMigrate(cmd *cobra.Command, databaseURL, action string, all bool) (err error) {
	m, err := migratorFactory(databaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	switch action {
	case "up":
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return err
		}
	case "down":
		if all {
			cmd.Println("Rolling back all migrations...")
			err = m.Down()
		} else {
			cmd.Println("Rolling back latest migration...")
			err = m.Steps(-1)
		}
		if err != nil {
			return err
		}
	case "status":
	default:
		return oops.Code("MIGRATION_UNKNOWN_ACTION").With("action", action).Errorf("unknown migrate action %q", action)
	}

	return printStatus(cmd, m)
}

func printStatus(cmd *cobra.Command, m migrator) error {
	st, err := m.Status()
	if err != nil {
		return err
	}

	name, err := store.MigrationName(st.Version)
	if err != nil {
		return err
	}
	if name == "" {
		name = "none"
	}

	cmd.Printf("Schema version: %d (%s)\n", st.Version, name)
	if st.Dirty {
		cmd.Println("WARNING: schema is dirty; fix the failed migration and force its version")
	}
	cmd.Printf("Applied: %d, pending: %d\n", len(st.Applied), len(st.Pending))
	return nil
}
