package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/franz/bundle-store/internal/store"
	"github.com/franz/bundle-store/internal/util"
)

func TestCheckSQLite(t *testing.T) {
	result := checkSQLite()

	if result.error {
		t.Errorf("SQLite check failed: %s", result.message)
	}
	if result.message == "" {
		t.Error("expected version information in message")
	}
}

func TestCheckDatabase_NonExistent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nonexistent.db")

	results := checkDatabase(dbPath, store.DefaultRootUserID)

	if len(results) != 1 || results[0].error {
		t.Fatalf("non-existent database check should pass: %+v", results)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Error("checking a missing database should not create it")
	}
}

func TestCheckDatabase_Existing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	b := store.NewBundle("dataset", "alice")
	if err := db.SaveBundle(t.Context(), b); err != nil {
		t.Fatalf("failed to save bundle: %v", err)
	}
	db.Close()

	results := checkDatabase(dbPath, store.DefaultRootUserID)

	if len(results) != 2 {
		t.Fatalf("expected database and reference results, got %+v", results)
	}
	for _, r := range results {
		if r.error || r.warning {
			t.Errorf("%s check failed: %s", r.name, r.message)
		}
	}
}

func TestCheckDatabase_Orphans(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if _, err := db.DB().Exec("PRAGMA foreign_keys = OFF"); err != nil {
		t.Fatalf("failed to disable foreign keys: %v", err)
	}
	_, err = db.DB().Exec("INSERT INTO user_group (group_uuid, user_id, is_admin) VALUES (?, 'alice', 0)", util.GenerateUUID())
	if err != nil {
		t.Fatalf("failed to insert orphan: %v", err)
	}
	db.Close()

	results := checkDatabase(dbPath, store.DefaultRootUserID)

	var refs *checkResult
	for i := range results {
		if results[i].name == "References" {
			refs = &results[i]
		}
	}
	if refs == nil || !refs.error {
		t.Fatalf("expected failed reference check, got %+v", results)
	}
}

func TestCheckDatabase_Directory(t *testing.T) {
	results := checkDatabase(t.TempDir(), store.DefaultRootUserID)

	if len(results) != 1 || !results[0].error {
		t.Errorf("expected error when database path is a directory, got %+v", results)
	}
}

func TestCheckEventsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")

	result := checkEventsDir(dir)

	if result.error {
		t.Errorf("events directory check failed: %s", result.message)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("expected directory to be created")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("write test file left behind: %v", entries)
	}
}

func TestCheckEventsDir_File(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(filePath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if result := checkEventsDir(filePath); !result.error {
		t.Error("expected error when path is a file, not a directory")
	}
}
