package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	stepsFlag := func(usage string) cli.Flag {
		return &cli.IntFlag{Name: "steps", Usage: usage}
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or roll back schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Flags: []cli.Flag{stepsFlag("number of migrations to apply (0 = all)")},
				Action: func(c *cli.Context) error {
					return withAdminStore(c, func(ctx context.Context, store adminStore) error {
						if err := store.MigrateUp(ctx, c.Int("steps")); err != nil {
							return fmt.Errorf("migrate up failed: %w", err)
						}
						return printMigrationStatus(ctx, c, store, "migrate up ok")
					})
				},
			},
			{
				Name:  "down",
				Flags: []cli.Flag{stepsFlag("number of migrations to roll back (default 1)")},
				Action: func(c *cli.Context) error {
					steps := c.Int("steps")
					if steps <= 0 {
						steps = 1
					}
					return withAdminStore(c, func(ctx context.Context, store adminStore) error {
						if err := store.MigrateDown(ctx, steps); err != nil {
							return fmt.Errorf("migrate down failed: %w", err)
						}
						return printMigrationStatus(ctx, c, store, "migrate down ok")
					})
				},
			},
			{
				Name: "status",
				Action: func(c *cli.Context) error {
					return withAdminStore(c, func(ctx context.Context, store adminStore) error {
						return printMigrationStatus(ctx, c, store, "migration status")
					})
				},
			},
		},
	}
}

func printMigrationStatus(ctx context.Context, c *cli.Context, store adminStore, prefix string) error {
	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(c.App.Writer, "%s: version=%d applied=%d available=%d\n",
		prefix, state.Version, state.Applied, state.Available)
	if err != nil {
		return err
	}
	if len(state.Pending) > 0 {
		if _, err = fmt.Fprintf(c.App.Writer, "pending: %s\n", strings.Join(state.Pending, ", ")); err != nil {
			return err
		}
	}
	if len(state.Drifted) > 0 {
		_, err = fmt.Fprintf(c.App.Writer, "drifted (edited after apply): %s\n", strings.Join(state.Drifted, ", "))
	}
	return err
}
