package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFS_EmbedsGooseMigrations(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("glob embedded migrations: %v", err)
	}
	if len(names) == 0 || names[0] != "001_initial_schema.sql" {
		t.Fatalf("embedded migrations = %v, want 001_initial_schema.sql first", names)
	}

	for _, name := range names {
		content, err := fs.ReadFile(FS, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		for _, directive := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(content), directive) {
				t.Errorf("%s missing %q", name, directive)
			}
		}
	}
}

func TestInitialSchema_CreatesSyncTables(t *testing.T) {
	content, err := fs.ReadFile(FS, "001_initial_schema.sql")
	if err != nil {
		t.Fatalf("read initial schema: %v", err)
	}
	for _, table := range []string{
		"sync_events", "sync_conflicts", "sync_batches", "sync_configurations",
		"scheduled_tasks", "active_sessions", "cache_entries", "sync_metrics", "users",
	} {
		if !strings.Contains(string(content), "CREATE TABLE "+table+" (") {
			t.Errorf("initial schema missing table %s", table)
		}
	}
}
