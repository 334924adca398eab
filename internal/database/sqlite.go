package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pm-go/internal/database/migrations"
	"pm-go/internal/model"
	"pm-go/internal/pm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver (cgo), registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure-Go SQLite driver, registered as "sqlite"
)

// Driver names accepted by OpenConnection.
const (
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3
	DriverSQLite  = "sqlite"  // modernc.org/sqlite
)

// busyTimeoutMS is how long a connection waits on a locked database before
// reporting SQLITE_BUSY.
const busyTimeoutMS = 5000

// localTables hold data that belongs to this installation only.
// Their schema is exported but their rows are not, and imports keep them.
var localTables = map[string]bool{
	"transfer_operations": true,
}

// SQLiteStore implements pm.Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	driver string
	path   string
}

var _ pm.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens a SQLite store.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	db, err := OpenConnection(driver, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, driver: driver, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteStoreFromDB(db *sql.DB, driver string) *SQLiteStore {
	return &SQLiteStore{db: db, driver: driver}
}

// OpenConnection opens and configures a SQLite database connection.
// Connection settings are passed in the DSN so that every pooled connection
// gets them: foreign keys on, a busy timeout, and WAL for file databases so a
// running export never blocks writers.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
func OpenConnection(driver, path string) (*sql.DB, error) {
	memory := path == ":memory:"

	var params []string
	switch driver {
	case DriverSQLite3:
		params = append(params, "_foreign_keys=on", fmt.Sprintf("_busy_timeout=%d", busyTimeoutMS))
		if !memory {
			params = append(params, "_journal_mode=WAL")
		}
	case DriverSQLite:
		params = append(params, "_pragma=foreign_keys(1)", fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeoutMS))
		if !memory {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q (supported: %s, %s)", driver, DriverSQLite3, DriverSQLite)
	}

	db, err := sql.Open(driver, path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Driver returns the database/sql driver name.
func (s *SQLiteStore) Driver() string {
	return s.driver
}

// Migrate applies all pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	return migrations.MigrateUp(s.db, s.driver)
}

// CheckMigrations returns an error unless the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db, s.driver)
}

// MigrationVersion returns the store's current migration version and dirty flag.
func (s *SQLiteStore) MigrationVersion() (uint, bool, error) {
	return migrations.Version(s.db, s.driver)
}

// SchemaVersion returns the latest migration version known to this binary.
func (s *SQLiteStore) SchemaVersion() (uint, error) {
	return migrations.LatestVersion()
}

// BeginSnapshot opens a read transaction. All reads through the snapshot see
// the database as of the first read.
func (s *SQLiteStore) BeginSnapshot(ctx context.Context) (pm.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(fmt.Errorf("beginning read transaction: %w", err))
	}
	return &sqliteSnapshot{tx: tx}, nil
}

// BeginRestore opens the write transaction for an import.
// Foreign-key checks are deferred to commit.
func (s *SQLiteStore) BeginRestore(ctx context.Context) (pm.Restorer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning restore transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("deferring foreign keys: %w", err)
	}
	return &sqliteRestorer{tx: tx}, nil
}

// DumpSchema returns the CREATE statements of the application schema, tables
// first, then indexes, triggers and views.
func (s *SQLiteStore) DumpSchema(ctx context.Context) (string, error) {
	schema, err := captureSchema(ctx, s.db, false)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, t := range schema.Tables {
		b.WriteString(t.SQL + ";\n\n")
	}
	for _, group := range [][]*model.Object{schema.Indexes, schema.Triggers, schema.Views} {
		for _, o := range group {
			b.WriteString(o.SQL + ";\n\n")
		}
	}
	return b.String(), nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
