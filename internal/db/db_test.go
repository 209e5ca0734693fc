package db

import (
	"path/filepath"
	"testing"

	"github.com/banshee-data/modelsweep/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "sweeps.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("Failed to query synchronous: %v", err)
	}
	if synchronous != 1 { // NORMAL
		t.Errorf("Expected synchronous=1, got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestNewDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweeps.db")
	db1, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	db1.Close()

	db2, err := NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	if db2.Path() != path {
		t.Errorf("Path() = %q, want %q", db2.Path(), path)
	}
	version, dirty, err := db2.MigrateVersion(MigrationsFS())
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("version = %d dirty=%v, want 2 clean", version, dirty)
	}
}
