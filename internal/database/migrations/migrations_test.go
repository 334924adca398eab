package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

var drivers = []string{"sqlite3", "sqlite"}

func TestMigrateUp_FreshDatabase(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := openTestDB(t, driver)

			if err := MigrateUp(db, driver); err != nil {
				t.Fatalf("MigrateUp() failed: %v", err)
			}

			tables := []string{"users", "roles", "projects", "project_members", "sprints", "tasks",
				"notes", "wiki_pages", "time_entries", "transfer_operations", TableName}
			for _, table := range tables {
				var name string
				err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
				if err != nil {
					t.Errorf("Table %s was not created: %v", table, err)
				}
			}
		})
	}
}

func TestCheckDBMigrationStatus_FreshDatabase(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	err := CheckDBMigrationStatus(db, "sqlite3")
	if err == nil {
		t.Fatal("CheckDBMigrationStatus() expected error for fresh database, got nil")
	}
	if err.Error() != "database has no schema version (needs migration)" {
		t.Errorf("CheckDBMigrationStatus() error = %q, want error about needing migration", err.Error())
	}
}

func TestCheckDBMigrationStatus_AfterMigration(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			db := openTestDB(t, driver)

			if err := MigrateUp(db, driver); err != nil {
				t.Fatalf("MigrateUp() failed: %v", err)
			}
			if err := CheckDBMigrationStatus(db, driver); err != nil {
				t.Errorf("CheckDBMigrationStatus() after migration returned error: %v", err)
			}
		})
	}
}

func TestCheckDBMigrationStatus_Behind(t *testing.T) {
	db := openTestDB(t, "sqlite3")
	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}
	if _, err := db.Exec("UPDATE " + TableName + " SET version = 1"); err != nil {
		t.Fatal(err)
	}

	if err := CheckDBMigrationStatus(db, "sqlite3"); err == nil {
		t.Error("CheckDBMigrationStatus() expected error for database behind latest")
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("First MigrateUp() failed: %v", err)
	}
	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Errorf("Second MigrateUp() failed: %v (should be idempotent)", err)
	}
	if err := CheckDBMigrationStatus(db, "sqlite3"); err != nil {
		t.Errorf("CheckDBMigrationStatus() after double migration returned error: %v", err)
	}
}

func TestVersion(t *testing.T) {
	db := openTestDB(t, "sqlite3")

	v, dirty, err := Version(db, "sqlite3")
	if err != nil || v != 0 || dirty {
		t.Fatalf("Version() on fresh db = %d, %v, %v; want 0, false, nil", v, dirty, err)
	}

	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatal(err)
	}
	latest, err := LatestVersion()
	if err != nil {
		t.Fatal(err)
	}
	v, _, err = Version(db, "sqlite3")
	if err != nil || v != latest {
		t.Errorf("Version() = %d, %v; want %d", v, err, latest)
	}
	if latest != 3 {
		t.Errorf("LatestVersion() = %d, want 3", latest)
	}
}

func TestForeignKeyConstraints(t *testing.T) {
	db := openTestDB(t, "sqlite3")
	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO tasks (project_id, title, created_at, updated_at)
		VALUES (42, 'orphan', datetime('now'), datetime('now'))
	`)
	if err == nil {
		t.Error("Expected foreign key constraint violation, but insert succeeded")
	}
}

func TestSchema_TimeEntryTrigger(t *testing.T) {
	db := openTestDB(t, "sqlite3")
	if err := MigrateUp(db, "sqlite3"); err != nil {
		t.Fatalf("MigrateUp() failed: %v", err)
	}

	stmts := []string{
		"INSERT INTO users (id, username, display_name, created_at) VALUES (1, 'ada', 'Ada', datetime('now'))",
		"INSERT INTO projects (id, code, name, created_at) VALUES (1, 'PM', 'Project', datetime('now'))",
		"INSERT INTO tasks (id, project_id, title, created_at, updated_at) VALUES (1, 1, 'Task', datetime('now'), datetime('now'))",
		"INSERT INTO time_entries (task_id, user_id, started_at, minutes) VALUES (1, 1, datetime('now'), 30)",
		"INSERT INTO time_entries (task_id, user_id, started_at, minutes) VALUES (1, 1, datetime('now'), 15)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("Exec(%q) error = %v", s, err)
		}
	}

	var logged int
	if err := db.QueryRow("SELECT logged_minutes FROM tasks WHERE id = 1").Scan(&logged); err != nil {
		t.Fatal(err)
	}
	if logged != 45 {
		t.Errorf("logged_minutes = %d, want 45", logged)
	}

	var total int
	if err := db.QueryRow("SELECT minutes FROM project_time WHERE project_id = 1").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 45 {
		t.Errorf("project_time.minutes = %d, want 45", total)
	}
}

// openTestDB opens an in-memory SQLite database with foreign keys enabled.
func openTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()

	db, err := sql.Open(driver, ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every pooled connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	return db
}
