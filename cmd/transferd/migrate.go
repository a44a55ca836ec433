package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts, "migrate")
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate needs the postgres store, configured store is %s", a.cfg.Store.Driver)
			}
			pool, err := a.openPool(ctx)
			if err != nil {
				return err
			}
			if err := runMigrations(ctx, pool, a.cfg.Store.Migrations); err != nil {
				return err
			}
			a.log.Info(ctx, "Migrations applied", "source", a.cfg.Store.Migrations)
			return nil
		},
	}
}

// runMigrations applies every up migration from source on a connection
// borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool, source string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
