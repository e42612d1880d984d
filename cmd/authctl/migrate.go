package main

import (
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"notehub/internal/database"
)

type migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	Close() error
}

var openMigrator = func(dsn string) (migrator, error) {
	return database.NewMigrator(dsn)
}

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(func(m migrator) error {
				if err := m.Up(); err != nil {
					return err
				}
				cmd.Println("migrations applied")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(func(m migrator) error {
				if err := m.Down(); err != nil {
					return err
				}
				cmd.Println("migrations rolled back")
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withMigrator(func(m migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				cmd.Printf("version %d dirty=%t\n", version, dirty)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return oops.Code("INVALID_ARGUMENT").With("version", args[0]).Wrap(err)
			}
			return c.withMigrator(func(m migrator) error {
				if err := m.Force(version); err != nil {
					return err
				}
				cmd.Printf("schema forced to version %d\n", version)
				return nil
			})
		},
	})

	return cmd
}

func (c *cli) withMigrator(fn func(m migrator) error) error {
	if c.cfg.Database.Driver != "postgres" {
		return oops.Code("CONFIG_INVALID").Errorf("migrations need database.driver postgres, got %q", c.cfg.Database.Driver)
	}
	m, err := openMigrator(c.cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close migrator")
		}
	}()
	return fn(m)
}
