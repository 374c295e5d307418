//go:build integration

package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// When: RunMigrations is called
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: The queue table exists with all required columns
	_, err = db.Exec(`
		SELECT id, target_id, scope_id, desired_state, queued_at, attempts,
		       last_attempt_at, synced, synced_at, last_error
		FROM rollcall_queue LIMIT 0
	`)
	if err != nil {
		t.Fatalf("rollcall_queue missing required columns: %v", err)
	}

	_, err = db.Exec(`SELECT scope_id, records, updated_at FROM rollcall_snapshots LIMIT 0`)
	if err != nil {
		t.Fatalf("rollcall_snapshots missing required columns: %v", err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	err = RunMigrations(db)

	// Then: No error occurs (idempotent)
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestSchema_Indexes(t *testing.T) {
	// Given: A migrated database
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := RunMigrations(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	// Then: All required indexes exist
	expectedIndexes := []string{
		"idx_rollcall_queue_scope",
		"idx_rollcall_queue_target",
		"idx_rollcall_queue_queued_at",
	}

	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}
