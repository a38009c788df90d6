package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

func newMigrator(db *sql.DB, driver string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("error opening embedded migrations: %w", err)
	}

	var target database.Driver
	switch driver {
	case DriverPostgres:
		target, err = migratepg.WithInstance(db, &migratepg.Config{})
	case DriverSQLite:
		target, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("error creating migration driver: %w", err)
	}

	return migrate.NewWithInstance("iofs", source, driver, target)
}

// MigrateUp applies every pending migration. An up-to-date schema is not an error.
func (s *SQLStorage) MigrateUp() error {
	m, err := newMigrator(s.db.DB, s.driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.logger.Info("Database schema is up to date")
			return nil
		}
		return fmt.Errorf("error executing migrations: %w", err)
	}

	s.logger.Info("Database migrations applied", zap.String("driver", s.driver))
	return nil
}

// MigrateDown rolls back the given number of migrations.
func (s *SQLStorage) MigrateDown(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}

	m, err := newMigrator(s.db.DB, s.driver)
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error rolling back migrations: %w", err)
	}

	s.logger.Info("Database migrations rolled back", zap.Int("steps", steps))
	return nil
}
