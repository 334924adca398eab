package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pm-go/internal/database/migrations"
	"pm-go/internal/model"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// captureSchema reads the application schema from sqlite_master. SQLite's own
// objects and the migration bookkeeping table are left out. Row counts are
// only filled when withCounts is set.
func captureSchema(ctx context.Context, q querier, withCounts bool) (*model.Schema, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT type, name, tbl_name, sql
		FROM sqlite_master
		WHERE type IN ('table', 'index', 'trigger', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND tbl_name != ?
		  AND sql IS NOT NULL
		ORDER BY name`, migrations.TableName)
	if err != nil {
		return nil, fmt.Errorf("reading sqlite_master: %w", err)
	}
	defer rows.Close()

	schema := &model.Schema{}
	for rows.Next() {
		var typ, name, tblName, sqlText string
		if err := rows.Scan(&typ, &name, &tblName, &sqlText); err != nil {
			return nil, fmt.Errorf("scanning sqlite_master: %w", err)
		}
		switch typ {
		case "table":
			if strings.HasPrefix(strings.ToUpper(sqlText), "CREATE VIRTUAL TABLE") {
				return nil, fmt.Errorf("virtual table %s is not supported", name)
			}
			schema.Tables = append(schema.Tables, &model.Table{Name: name, SQL: sqlText, LocalOnly: localTables[name]})
		case "index":
			schema.Indexes = append(schema.Indexes, &model.Object{Name: name, Table: tblName, SQL: sqlText})
		case "trigger":
			schema.Triggers = append(schema.Triggers, &model.Object{Name: name, Table: tblName, SQL: sqlText})
		case "view":
			schema.Views = append(schema.Views, &model.Object{Name: name, Table: tblName, SQL: sqlText})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sqlite_master: %w", err)
	}
	rows.Close()

	for _, t := range schema.Tables {
		if err := describeTable(ctx, q, t); err != nil {
			return nil, err
		}
		if withCounts {
			if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(t.Name)).Scan(&t.RowCount); err != nil {
				return nil, fmt.Errorf("counting rows of %s: %w", t.Name, err)
			}
		}
	}
	schema.SortTables()

	version, dirty, err := readMigrationVersion(ctx, q)
	if err != nil {
		return nil, err
	}
	schema.Version = version
	schema.Dirty = dirty
	return schema, nil
}

// describeTable fills in columns, primary key, rowid flag and referenced tables.
func describeTable(ctx context.Context, q querier, t *model.Table) error {
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, t.Name)
	if err != nil {
		return fmt.Errorf("reading columns of %s: %w", t.Name, err)
	}
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var c model.Column
		var pk int
		if err := rows.Scan(&c.Name, &c.Type, &c.NotNull, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scanning columns of %s: %w", t.Name, err)
		}
		t.Columns = append(t.Columns, c)
		if pk > 0 {
			pks = append(pks, pkCol{c.Name, pk})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("reading columns of %s: %w", t.Name, err)
	}
	rows.Close()
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, pk := range pks {
		t.PrimaryKey = append(t.PrimaryKey, pk.name)
	}

	var wr int
	err = q.QueryRowContext(ctx, `SELECT wr FROM pragma_table_list WHERE schema = 'main' AND name = ?`, t.Name).Scan(&wr)
	if err != nil {
		return fmt.Errorf("reading table list entry of %s: %w", t.Name, err)
	}
	t.WithoutRowID = wr != 0

	refs, err := q.QueryContext(ctx, `SELECT DISTINCT "table" FROM pragma_foreign_key_list(?) ORDER BY 1`, t.Name)
	if err != nil {
		return fmt.Errorf("reading foreign keys of %s: %w", t.Name, err)
	}
	defer refs.Close()
	for refs.Next() {
		var ref string
		if err := refs.Scan(&ref); err != nil {
			return fmt.Errorf("scanning foreign keys of %s: %w", t.Name, err)
		}
		t.References = append(t.References, ref)
	}
	return refs.Err()
}

// readMigrationVersion returns the version recorded by golang-migrate, or 0
// when the database was never migrated.
func readMigrationVersion(ctx context.Context, q querier) (uint, bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, migrations.TableName).Scan(&n)
	if err != nil {
		return 0, false, fmt.Errorf("checking migration table: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}

	var version int64
	var dirty bool
	err = q.QueryRowContext(ctx, "SELECT version, dirty FROM "+migrations.TableName+" LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading migration version: %w", err)
	}
	if version < 0 {
		return 0, dirty, nil
	}
	return uint(version), dirty, nil
}
