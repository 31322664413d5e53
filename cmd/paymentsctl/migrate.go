package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"paybridge/internal/db"
)

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireDatabase(); err != nil {
				return err
			}
			if err := db.MigrateUp(c.settings.Migrations, c.settings.DatabaseURL); err != nil {
				return err
			}
			return c.printVersion()
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireDatabase(); err != nil {
				return err
			}
			if err := db.MigrateDown(c.settings.Migrations, c.settings.DatabaseURL, steps); err != nil {
				return err
			}
			return c.printVersion()
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireDatabase(); err != nil {
				return err
			}
			return c.printVersion()
		},
	})

	return cmd
}

func (c *cli) printVersion() error {
	version, dirty, err := db.MigrationVersion(c.settings.Migrations, c.settings.DatabaseURL)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(c.out, "schema version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(c.out, "schema version %d\n", version)
	return nil
}
