package main

import (
	"github.com/spf13/cobra"

	"github.com/user/nutrisync-go/db"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply all pending database migrations against the PostgreSQL database.`,
		RunE:  runMigrateUp,
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return db.RollbackMigrations(cfg.Database.URL, steps, installLogger(cfg.Server.LogLevel))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the embedded migration files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := db.MigrationFiles()
			if err != nil {
				return err
			}
			for _, n := range names {
				cmd.Println(n)
			}
			return nil
		},
	}

	cmd.AddCommand(down, list)
	return cmd
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cmd.Println("Running migrations...")
	if err := db.RunMigrations(cfg.Database.URL, installLogger(cfg.Server.LogLevel)); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}
