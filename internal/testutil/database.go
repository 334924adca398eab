package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"pm-go/internal/database"
)

// NewTestStore creates a migrated SQLite store in a temp file using the
// default driver. The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()
	return NewTestStoreWithDriver(t, database.DriverSQLite3)
}

// NewTestStoreWithDriver is NewTestStore for a specific database/sql driver.
func NewTestStoreWithDriver(t *testing.T, driver string) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(driver, filepath.Join(t.TempDir(), "pm.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	if err := store.Migrate(); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return store
}

// StoreDump is a comparable rendering of a store's exported content.
type StoreDump struct {
	Version   uint
	Tables    map[string][]string // table -> rows, values rendered with their storage class
	Sequences map[string]int64
	Objects   []string // names of indexes, triggers and views
}

// DumpStore reads every exported table of store through a snapshot.
// Local-only tables are skipped.
func DumpStore(t *testing.T, store *database.SQLiteStore) *StoreDump {
	t.Helper()
	ctx := context.Background()

	snap, err := store.BeginSnapshot(ctx)
	if err != nil {
		t.Fatalf("DumpStore: %v", err)
	}
	defer snap.Close()

	schema, err := snap.Schema(ctx)
	if err != nil {
		t.Fatalf("DumpStore: %v", err)
	}

	dump := &StoreDump{
		Version:   schema.Version,
		Tables:    make(map[string][]string),
		Sequences: make(map[string]int64),
	}
	for _, table := range schema.Tables {
		if table.LocalOnly {
			continue
		}
		rows, err := snap.ReadRows(ctx, table, 0, int(table.RowCount)+1)
		if err != nil {
			t.Fatalf("DumpStore: %v", err)
		}
		rendered := make([]string, 0, len(rows))
		for _, row := range rows {
			vals := make([]string, len(row))
			for i, v := range row {
				vals[i] = fmt.Sprintf("%T:%v", v.Any(), v)
			}
			rendered = append(rendered, strings.Join(vals, "|"))
		}
		dump.Tables[table.Name] = rendered
	}

	seqs, err := snap.Sequences(ctx)
	if err != nil {
		t.Fatalf("DumpStore: %v", err)
	}
	for _, s := range seqs {
		dump.Sequences[s.Table] = s.Value
	}

	for _, o := range schema.Indexes {
		dump.Objects = append(dump.Objects, "index:"+o.Name)
	}
	for _, o := range schema.Triggers {
		dump.Objects = append(dump.Objects, "trigger:"+o.Name)
	}
	for _, o := range schema.Views {
		dump.Objects = append(dump.Objects, "view:"+o.Name)
	}
	sort.Strings(dump.Objects)
	return dump
}

// Diff returns a description of the first differences between two dumps, or "" if equal.
func (d *StoreDump) Diff(other *StoreDump) string {
	var out []string
	if d.Version != other.Version {
		out = append(out, fmt.Sprintf("version %d != %d", d.Version, other.Version))
	}
	for name, rows := range d.Tables {
		got := other.Tables[name]
		if len(rows) != len(got) {
			out = append(out, fmt.Sprintf("%s: %d rows != %d rows", name, len(rows), len(got)))
			continue
		}
		for i := range rows {
			if rows[i] != got[i] {
				out = append(out, fmt.Sprintf("%s row %d: %s != %s", name, i, rows[i], got[i]))
				break
			}
		}
	}
	for name := range other.Tables {
		if _, ok := d.Tables[name]; !ok {
			out = append(out, "unexpected table "+name)
		}
	}
	if fmt.Sprint(d.Sequences) != fmt.Sprint(other.Sequences) {
		out = append(out, fmt.Sprintf("sequences %v != %v", d.Sequences, other.Sequences))
	}
	if strings.Join(d.Objects, ",") != strings.Join(other.Objects, ",") {
		out = append(out, fmt.Sprintf("objects %v != %v", d.Objects, other.Objects))
	}
	sort.Strings(out)
	return strings.Join(out, "\n")
}

// TotalRows returns the number of rows across all dumped tables.
func (d *StoreDump) TotalRows() int64 {
	var n int64
	for _, rows := range d.Tables {
		n += int64(len(rows))
	}
	return n
}
