package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"pm-go/internal/model"
	"pm-go/internal/pm"
)

// sqliteSnapshot reads the store inside one read transaction.
type sqliteSnapshot struct {
	tx     *sql.Tx
	closed bool
}

var _ pm.Snapshot = (*sqliteSnapshot)(nil)

func (s *sqliteSnapshot) Schema(ctx context.Context) (*model.Schema, error) {
	schema, err := captureSchema(ctx, s.tx, true)
	if err != nil {
		return nil, classify(err)
	}
	return schema, nil
}

// ReadRows selects each column as +"col" so the value comes back in its
// storage class rather than converted by the driver from the declared type.
func (s *sqliteSnapshot) ReadRows(ctx context.Context, table *model.Table, offset int64, limit int) ([]model.Row, error) {
	rows, err := s.tx.QueryContext(ctx, selectRowsQuery(table), limit, offset)
	if err != nil {
		return nil, classify(fmt.Errorf("querying %s: %w", table.Name, err))
	}
	defer rows.Close()

	n := len(table.Columns)
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	var out []model.Row
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(fmt.Errorf("scanning %s: %w", table.Name, err))
		}
		row := make(model.Row, n)
		for i, v := range raw {
			val, err := model.NewValue(v)
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", table.Name, table.Columns[i].Name, err)
			}
			row[i] = val
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("reading %s: %w", table.Name, err))
	}
	return out, nil
}

// Sequences returns the sqlite_sequence entries of exported tables.
func (s *sqliteSnapshot) Sequences(ctx context.Context) ([]model.Sequence, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`).Scan(&n)
	if err != nil {
		return nil, classify(fmt.Errorf("checking sqlite_sequence: %w", err))
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := s.tx.QueryContext(ctx, `SELECT name, seq FROM sqlite_sequence ORDER BY name`)
	if err != nil {
		return nil, classify(fmt.Errorf("reading sqlite_sequence: %w", err))
	}
	defer rows.Close()

	var seqs []model.Sequence
	for rows.Next() {
		var seq model.Sequence
		if err := rows.Scan(&seq.Table, &seq.Value); err != nil {
			return nil, fmt.Errorf("scanning sqlite_sequence: %w", err)
		}
		if localTables[seq.Table] {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (s *sqliteSnapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	// Read-only: nothing to commit.
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("ending read transaction: %w", err)
	}
	return nil
}

func selectRowsQuery(t *model.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = "+" + quoteIdent(c.Name)
	}

	order := "rowid"
	if len(t.PrimaryKey) > 0 {
		keys := make([]string, len(t.PrimaryKey))
		for i, k := range t.PrimaryKey {
			keys[i] = quoteIdent(k)
		}
		order = strings.Join(keys, ", ")
	}

	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(cols, ", "), quoteIdent(t.Name), order)
}

// classify marks SQLITE_BUSY and SQLITE_LOCKED errors from either driver as pm.ErrTransient.
func classify(err error) error {
	if err == nil || !isBusy(err) {
		return err
	}
	return fmt.Errorf("%w: %w", pm.ErrTransient, err)
}

func isBusy(err error) bool {
	var me sqlite3.Error
	if errors.As(err, &me) {
		return me.Code == sqlite3.ErrBusy || me.Code == sqlite3.ErrLocked
	}
	var ce *msqlite.Error
	if errors.As(err, &ce) {
		code := ce.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}
