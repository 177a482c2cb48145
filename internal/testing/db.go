// Package testing provides shared test helpers: temp SQLite databases,
// seeded synthetic price data, and a mock safety-state provider.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/helmsman/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a throwaway SQLite database for a test and returns
// it with a cleanup function. Each call gets its own temp file so
// parallel tests stay isolated. The cleanup function is idempotent.
func NewTestDB(t *testing.T, name string, profile database.DatabaseProfile) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// NewTestDBWithSchema creates a temp database and applies a schema
// before handing it to the test.
func NewTestDBWithSchema(t *testing.T, name string, profile database.DatabaseProfile, schema string) (*database.DB, func()) {
	t.Helper()

	db, cleanup := NewTestDB(t, name, profile)

	if schema != "" {
		if _, err := db.Conn().Exec(schema); err != nil {
			cleanup()
			t.Fatalf("Failed to apply schema for test database %s: %v", name, err)
		}
	}

	return db, cleanup
}
