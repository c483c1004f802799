package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/store"
)

var downSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *sql.DB, log logger.Logger) error {
			return store.MigrateUp(db, log)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *sql.DB, log logger.Logger) error {
			return store.MigrateDown(db, downSteps, log)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd, func(db *sql.DB, log logger.Logger) error {
			v, dirty, err := store.MigrationVersion(db)
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
			return nil
		})
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

// withDatabase connects with the configured credentials and runs fn
func withDatabase(cmd *cobra.Command, fn func(db *sql.DB, log logger.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := store.Connect(cmd.Context(), cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db.DB, log)
}
