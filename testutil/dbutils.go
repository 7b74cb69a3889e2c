package testutil

import (
	"path/filepath"
	"testing"

	"gitlab.com/arcanecrypto/dropbit/db"
)

// DatabasePath returns a path to a fresh SQLite file, removed when the test
// finishes
func DatabasePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "dropbit.db")
}

// OpenDatabase opens and migrates the database at path. The handle is
// closed when the test finishes. Opening the same path again simulates a
// process restart.
func OpenDatabase(t *testing.T, path string) *db.DB {
	t.Helper()
	testDB, err := db.Open(db.DatabaseConfig{Driver: db.DriverSQLite, Path: path})
	if err != nil {
		FatalMsgf(t, "Could not open test database: %+v", err)
	}
	t.Cleanup(func() { _ = testDB.Close() })

	if err := testDB.MigrateUp(); err != nil {
		FatalMsgf(t, "Could not migrate test database: %+v", err)
	}
	return testDB
}

// InitDatabase initializes a fresh DB such that tests can be run against it
func InitDatabase(t *testing.T) *db.DB {
	t.Helper()
	return OpenDatabase(t, DatabasePath(t))
}
