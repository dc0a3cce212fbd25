package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
)

// MigrationsFS holds the schema migrations, one directory per driver.
//
//go:embed migrations
var MigrationsFS embed.FS

// NewMigrator opens a dedicated connection for schema changes. Closing the
// returned Migrate also closes that connection.
func NewMigrator(cfg *config.DatabaseConfig) (*migrate.Migrate, error) {
	var (
		sqlDB      *sql.DB
		dbDriver   database.Driver
		driverName string
		err        error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		var dsn string
		if dsn, err = postgresURL(cfg); err != nil {
			return nil, err
		}
		if sqlDB, err = sql.Open("pgx", dsn); err != nil {
			return nil, fmt.Errorf("failed to open database for migrations: %w", err)
		}
		dbDriver, err = pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
		driverName = "pgx5"
	case config.DriverSQLite:
		if sqlDB, err = sql.Open("sqlite", cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to open database for migrations: %w", err)
		}
		dbDriver, err = sqlite.WithInstance(sqlDB, &sqlite.Config{})
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations/"+cfg.Driver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{verbose: cfg.Debug}
	return m, nil
}

// MigrateUp applies all pending migrations.
func MigrateUp(ctx context.Context, cfg *config.DatabaseConfig) error {
	return runMigration(ctx, cfg, func(m *migrate.Migrate) error {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	})
}

// MigrateDown reverts steps migrations, or all of them when steps <= 0.
func MigrateDown(ctx context.Context, cfg *config.DatabaseConfig, steps int) error {
	return runMigration(ctx, cfg, func(m *migrate.Migrate) error {
		var err error
		if steps <= 0 {
			err = m.Down()
		} else {
			err = m.Steps(-steps)
		}
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return err
	})
}

// MigrateForce sets the recorded version without running migrations, for
// recovering from a dirty state.
func MigrateForce(ctx context.Context, cfg *config.DatabaseConfig, version int) error {
	return runMigration(ctx, cfg, func(m *migrate.Migrate) error {
		return m.Force(version)
	})
}

// MigrationVersion reports the current schema version. A database without
// any applied migration reports version 0.
func MigrationVersion(cfg *config.DatabaseConfig) (version uint, dirty bool, err error) {
	m, err := NewMigrator(cfg)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func runMigration(ctx context.Context, cfg *config.DatabaseConfig, fn func(*migrate.Migrate) error) error {
	m, err := NewMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- fn(m) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Let the running migration finish its current step.
		m.GracefulStop <- true
		<-done
		err = ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if v, dirty, verr := m.Version(); verr == nil {
		logger.Info("Database schema", "driver", cfg.Driver, "version", v, "dirty", dirty)
	}
	return nil
}

type migrationLogger struct {
	verbose bool
}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("migrate: "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrationLogger) Verbose() bool {
	return l.verbose
}
