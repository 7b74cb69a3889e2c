package db

import (
	"embed"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// MigrationStatus is the version and dirtiness of the applied migrations
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

// migrator builds a migrate instance for the driver in use. The returned
// instance must not be closed, as that would close the underlying DB.
func (d *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, path.Join("migrations", d.driver))
	if err != nil {
		return nil, errors.Wrap(err, "could not read embedded migrations")
	}

	var driver database.Driver
	switch d.driver {
	case DriverSQLite:
		driver, err = sqlite.WithInstance(d.DB.DB, &sqlite.Config{})
	case DriverPostgres:
		driver, err = postgres.WithInstance(d.DB.DB, &postgres.Config{})
	default:
		err = fmt.Errorf("unknown database driver %q", d.driver)
	}
	if err != nil {
		log.WithError(err).Error("Could not get database instance for migrations")
		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", source, d.driver, driver)
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return nil, err
	}
	return m, nil
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp Migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("driver", d.driver).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	// Migrate all the way up ...
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		log.WithError(err).Error("Could not migrate up")
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Succesfully migrated up")
	return nil
}

// MigrateDown migrates down
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	// Migrate down x number of steps
	return m.Steps(-steps)
}

// Drop drops everything in the database, including the migrations table
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Drop()
}

func newMigrationFile(filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "Could not create new file")
	}
	return file.Close()
}

// CreateMigration creates a pair of new, empty migration files with correct
// names in dir. Every driver keeps its own migration directory.
func CreateMigration(dir, migrationText string) ([]string, error) {
	migrationTime := time.Now().UTC().Format("20060102150405")

	var created []string
	for _, direction := range []string{"up", "down"} {
		fileName := path.Join(dir,
			migrationTime+"_"+strcase.ToSnake(migrationText)+"."+direction+".sql")
		if err := newMigrationFile(fileName); err != nil {
			return created, err
		}
		created = append(created, fileName)
	}
	return created, nil
}
