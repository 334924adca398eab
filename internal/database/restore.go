package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pm-go/internal/database/migrations"
	"pm-go/internal/model"
	"pm-go/internal/pm"
)

// sqliteRestorer replaces the application schema and data inside one transaction.
type sqliteRestorer struct {
	tx   *sql.Tx
	done bool
}

var _ pm.Restorer = (*sqliteRestorer)(nil)

// ReplaceSchema drops every application table and view (children before
// parents), creates the tables of schema, and records schema.Version as the
// store's migration version. Local-only tables that already exist are kept;
// missing ones are created empty.
func (r *sqliteRestorer) ReplaceSchema(ctx context.Context, schema *model.Schema) error {
	current, err := captureSchema(ctx, r.tx, false)
	if err != nil {
		return fmt.Errorf("reading current schema: %w", err)
	}

	for _, v := range current.Views {
		if _, err := r.tx.ExecContext(ctx, "DROP VIEW "+quoteIdent(v.Name)); err != nil {
			return fmt.Errorf("dropping view %s: %w", v.Name, err)
		}
	}
	order := current.InsertOrder()
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.LocalOnly {
			continue
		}
		// Indexes and triggers go with the table.
		if _, err := r.tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(t.Name)); err != nil {
			return fmt.Errorf("dropping table %s: %w", t.Name, err)
		}
	}

	for _, t := range schema.Tables {
		if t.LocalOnly && current.Table(t.Name) != nil {
			continue
		}
		if _, err := r.tx.ExecContext(ctx, t.SQL); err != nil {
			return fmt.Errorf("creating table %s: %w", t.Name, err)
		}
	}

	return r.setMigrationVersion(ctx, schema.Version)
}

func (r *sqliteRestorer) setMigrationVersion(ctx context.Context, version uint) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS " + migrations.TableName + " (version uint64, dirty bool)",
		"CREATE UNIQUE INDEX IF NOT EXISTS version_unique ON " + migrations.TableName + " (version)",
		"DELETE FROM " + migrations.TableName,
	}
	for _, s := range stmts {
		if _, err := r.tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("resetting migration version: %w", err)
		}
	}
	if version == 0 {
		return nil
	}
	_, err := r.tx.ExecContext(ctx, "INSERT INTO "+migrations.TableName+" (version, dirty) VALUES (?, ?)", int64(version), false)
	if err != nil {
		return fmt.Errorf("recording migration version: %w", err)
	}
	return nil
}

// InsertRows inserts rows with a statement prepared once per batch.
func (r *sqliteRestorer) InsertRows(ctx context.Context, table *model.Table, rows []model.Row) error {
	if table.LocalOnly {
		return fmt.Errorf("table %s is local to this store", table.Name)
	}
	cols := make([]string, len(table.Columns))
	marks := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = quoteIdent(c.Name)
		marks[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))

	stmt, err := r.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing insert into %s: %w", table.Name, err)
	}
	defer stmt.Close()

	args := make([]any, len(table.Columns))
	for _, row := range rows {
		if len(row) != len(table.Columns) {
			return fmt.Errorf("table %s: row has %d values, want %d", table.Name, len(row), len(table.Columns))
		}
		for i, v := range row {
			args[i] = v.Any()
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting into %s: %w", table.Name, err)
		}
	}
	return nil
}

// CreateObjects creates indexes, then triggers, then views. Objects that already
// exist (those of kept local-only tables) are skipped.
func (r *sqliteRestorer) CreateObjects(ctx context.Context, schema *model.Schema) error {
	for _, group := range [][]*model.Object{schema.Indexes, schema.Triggers, schema.Views} {
		for _, o := range group {
			var n int
			if err := r.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = ?", o.Name).Scan(&n); err != nil {
				return fmt.Errorf("checking %s: %w", o.Name, err)
			}
			if n > 0 {
				continue
			}
			if _, err := r.tx.ExecContext(ctx, o.SQL); err != nil {
				return fmt.Errorf("creating %s: %w", o.Name, err)
			}
		}
	}
	return nil
}

// SetSequences overwrites the AUTOINCREMENT cursors of exported tables.
func (r *sqliteRestorer) SetSequences(ctx context.Context, seqs []model.Sequence) error {
	for _, seq := range seqs {
		if localTables[seq.Table] {
			continue
		}
		if _, err := r.tx.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = ?", seq.Table); err != nil {
			return fmt.Errorf("clearing sequence of %s: %w", seq.Table, err)
		}
		if _, err := r.tx.ExecContext(ctx, "INSERT INTO sqlite_sequence (name, seq) VALUES (?, ?)", seq.Table, seq.Value); err != nil {
			return fmt.Errorf("setting sequence of %s: %w", seq.Table, err)
		}
	}
	return nil
}

// Commit verifies foreign keys and commits. On any error the transaction is rolled back.
func (r *sqliteRestorer) Commit() error {
	if r.done {
		return errors.New("restore already finished")
	}
	if err := r.checkForeignKeys(); err != nil {
		r.Rollback()
		return err
	}
	r.done = true
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (r *sqliteRestorer) checkForeignKeys() error {
	rows, err := r.tx.Query("PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("checking foreign keys: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table, parent string
		var rowid sql.NullInt64
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("scanning foreign key check: %w", err)
		}
		if len(violations) < 5 {
			violations = append(violations, fmt.Sprintf("%s row %d references missing %s", table, rowid.Int64, parent))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("checking foreign keys: %w", err)
	}
	if len(violations) > 0 {
		return fmt.Errorf("foreign key violations: %s", strings.Join(violations, "; "))
	}
	return nil
}

func (r *sqliteRestorer) Rollback() error {
	if r.done {
		return nil
	}
	r.done = true
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rolling back restore: %w", err)
	}
	return nil
}
