package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/selfdrive/internal/monitoring"
)

//go:embed migrations/*.sql
var embedded embed.FS

// MigrationsFS is the schema history shipped with the binary.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// schemaLog routes migrate's progress through the package logger.
type schemaLog struct{}

func (schemaLog) Printf(format string, v ...interface{}) {
	monitoring.Logf("[schema] "+format, v...)
}

func (schemaLog) Verbose() bool { return monitoring.Verbose() }

// withMigrator builds a migrator over the open handle and runs fn. The
// migrator is deliberately left open: closing it closes db.DB as well.
func (db *DB) withMigrator(migrations fs.FS, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	m.Log = schemaLog{}
	return fn(m)
}

// ignoreNoChange treats an already-current schema as success.
func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// MigrateUp applies every pending migration.
func (db *DB) MigrateUp(migrations fs.FS) error {
	return db.withMigrator(migrations, func(m *migrate.Migrate) error {
		if err := ignoreNoChange(m.Up()); err != nil {
			return fmt.Errorf("schema upgrade of %s: %w", db.path, err)
		}
		return nil
	})
}

// MigrateDown reverts one migration.
func (db *DB) MigrateDown(migrations fs.FS) error {
	return db.withMigrator(migrations, func(m *migrate.Migrate) error {
		if err := ignoreNoChange(m.Steps(-1)); err != nil {
			return fmt.Errorf("schema rollback of %s: %w", db.path, err)
		}
		return nil
	})
}

// MigrateVersion reports the applied schema version; 0 means none.
func (db *DB) MigrateVersion(migrations fs.FS) (version uint, dirty bool, err error) {
	err = db.withMigrator(migrations, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}
