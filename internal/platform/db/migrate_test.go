package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/unihealth/unihealth/migrations"
)

func mapFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, content := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return fsys
}

func TestLoadMigrations(t *testing.T) {
	fsys := mapFS(map[string]string{
		"001_tree.sql":   "CREATE TABLE tree_leaf (path TEXT PRIMARY KEY);",
		"002_index.sql":  "CREATE INDEX idx ON tree_leaf (path);",
		"003_column.sql": "ALTER TABLE tree_leaf ADD COLUMN x INT;",
	})

	migrator := NewMigrator(nil, fsys, "")
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
	if migrations[0].Name != "001_tree.sql" {
		t.Errorf("expected name 001_tree.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE tree_leaf (path TEXT PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrder(t *testing.T) {
	fsys := mapFS(map[string]string{
		"010_tables.sql": "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
		"005_middle.sql": "SELECT 5;",
	})

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expectedVersions := []int{1, 2, 5, 10}
	if len(migrations) != len(expectedVersions) {
		t.Fatalf("expected %d migrations, got %d", len(expectedVersions), len(migrations))
	}
	for i, expected := range expectedVersions {
		if migrations[i].Version != expected {
			t.Errorf("migration[%d]: expected version %d, got %d", i, expected, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_InvalidFilename(t *testing.T) {
	fsys := mapFS(map[string]string{
		"001_valid.sql":      "SELECT 1;",
		"readme.sql":         "-- this has no version prefix",
		"notes.txt":          "not a sql file",
		"abc_invalid.sql":    "-- non-numeric prefix",
		"002_also_valid.sql": "SELECT 2;",
	})

	migrations, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := mapFS(map[string]string{
		"001_a.sql": "SELECT 1;",
		"1_b.sql":   "SELECT 1;",
	})
	if _, err := NewMigrator(nil, fsys, "").LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migs, err := NewMigrator(nil, migrations.FS, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) < 1 || migs[0].Name != "001_tree.sql" {
		t.Fatalf("expected embedded 001_tree.sql first, got %+v", migs)
	}
}

func TestPendingAndStatus(t *testing.T) {
	migs := []Migration{
		{Version: 1, Name: "001_tree.sql"},
		{Version: 2, Name: "002_index.sql"},
		{Version: 3, Name: "003_column.sql"},
	}
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migs, applied, 0)
	if len(pending) != 2 || pending[0].Version != 2 || pending[1].Version != 3 {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	if upTo := Pending(migs, applied, 2); len(upTo) != 1 || upTo[0].Version != 2 {
		t.Fatalf("unexpected pending set up to 2: %+v", upTo)
	}

	statuses := BuildStatus(migs, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 002 pending, got %+v", statuses[1])
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected schema public, got %s", m.schema)
	}
	if got := m.qualified("_migrations"); got != `"public"."_migrations"` {
		t.Errorf("unexpected qualified name %s", got)
	}
}
