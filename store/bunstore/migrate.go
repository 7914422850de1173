package bunstore

import (
	"context"
	"io/fs"

	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// MigrationsDir is the embedded directory holding the sqlite migrations.
const MigrationsDir = "data/sql/migrations/sqlite"

// Migrations discovers the embedded sqlite migrations. Files hold several
// statements separated by --bun:split lines.
func Migrations() (*migrate.Migrations, error) {
	sub, err := fs.Sub(authstate.GetMigrationsFS(), MigrationsDir)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open migrations")
	}

	migrations := migrate.NewMigrations()
	if err := migrations.Discover(sub); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to discover migrations").
			WithMetadata(map[string]any{"dir": MigrationsDir})
	}
	return migrations, nil
}

// Migrate applies the embedded migrations not yet recorded in the
// bun_migrations table.
func Migrate(ctx context.Context, db *bun.DB) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}

	migrator := migrate.NewMigrator(db, migrations, migrate.WithMarkAppliedOnSuccess(true))
	if err := migrator.Init(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init migrations table")
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		meta := map[string]any{}
		if group != nil && len(group.Migrations) > 0 {
			meta["migration"] = group.Migrations[len(group.Migrations)-1].String()
		}
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to apply migration").
			WithMetadata(meta)
	}
	return nil
}
