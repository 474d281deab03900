package testutil

import (
	"testing"

	"minhash-go/internal/database"
	"minhash-go/internal/minhash"
)

// NewTestDatabase creates a migrated in-memory SQLite database with
// sequential ids. It is closed when the test completes.
func NewTestDatabase(t *testing.T) minhash.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
