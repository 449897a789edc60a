// Schema migrations via golang-migrate over the embedded migration files
package spanstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/andrewh/bellhop/pkg/spanstore/migrations"
)

// migrateSQLite brings the schema up to date on the store's own connection,
// so in-memory databases are covered too.
func migrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return fmt.Errorf("spanstore: load sqlite migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("spanstore: sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("spanstore: init sqlite migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("spanstore: apply sqlite migrations: %w", err)
	}
	return nil
}

// migratePostgres runs migrations over a short-lived database/sql connection
// derived from the pool's connection config.
func migratePostgres(connCfg *pgx.ConnConfig) error {
	db := stdlib.OpenDB(*connCfg)
	defer func() { _ = db.Close() }()

	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return fmt.Errorf("spanstore: load postgres migrations: %w", err)
	}
	drv, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("spanstore: postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("spanstore: init postgres migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("spanstore: apply postgres migrations: %w", err)
	}
	return nil
}
