// Package storetest opens a migrated SQLite store for tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"provider-scout/internal/store"
)

// New returns a store backed by a fresh SQLite file under t.TempDir().
func New(t testing.TB) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx, db, store.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewSQLStore(db)
}
