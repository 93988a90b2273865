// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mcclellann/payAdvance/pkg/store"
)

// New returns a migrated SQLite store in a temporary directory, closed when
// the test ends.
func New(t testing.TB) *store.SQLStore {
	t.Helper()

	cfg := store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "loans.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if err := store.Migrate(cfg); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
