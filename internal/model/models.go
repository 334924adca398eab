package model

import "sort"

// Schema is the captured structure of a relational store.
// Tables are kept in a stable order (by name) so exports are deterministic.
type Schema struct {
	Version  uint      `json:"version"` // migration version recorded in the store, 0 if none
	Dirty    bool      `json:"dirty"`   // migration state was dirty when captured
	Tables   []*Table  `json:"tables"`
	Indexes  []*Object `json:"indexes,omitempty"`
	Triggers []*Object `json:"triggers,omitempty"`
	Views    []*Object `json:"views,omitempty"`
}

// Table describes one table and how to read it back in a stable order.
type Table struct {
	Name         string   `json:"name"`
	SQL          string   `json:"sql"` // CREATE TABLE statement as stored by the engine
	Columns      []Column `json:"columns"`
	PrimaryKey   []string `json:"primary_key,omitempty"` // declared PK columns in key order
	WithoutRowID bool     `json:"without_rowid,omitempty"`
	References   []string `json:"references,omitempty"` // tables this table has foreign keys to
	LocalOnly    bool     `json:"local_only,omitempty"` // schema is exported, rows are not
	RowCount     int64    `json:"row_count"`
}

// Column is a single table column.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	NotNull bool   `json:"not_null,omitempty"`
}

// Object is a named schema object that is recreated from its SQL (index, trigger, view).
type Object struct {
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

// Row is one table row; values are in Table.Columns order.
type Row []Value

// Sequence is the next-value state of an auto-incrementing key.
type Sequence struct {
	Table string `json:"table"`
	Value int64  `json:"value"`
}

// Table returns the table with the given name, or nil.
func (s *Schema) Table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TotalRows returns the number of rows across all exported tables.
func (s *Schema) TotalRows() int64 {
	var n int64
	for _, t := range s.Tables {
		if !t.LocalOnly {
			n += t.RowCount
		}
	}
	return n
}

// ColumnNames returns the table's column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// SortTables orders tables by name.
func (s *Schema) SortTables() {
	sort.Slice(s.Tables, func(i, j int) bool { return s.Tables[i].Name < s.Tables[j].Name })
}

// InsertOrder returns the tables ordered so that every table comes after the tables it
// references. Ties keep name order. Reference cycles are broken by falling back to name
// order for the remaining tables; restores defer foreign-key checks to commit, so any
// order is valid as long as the final state is consistent.
func (s *Schema) InsertOrder() []*Table {
	byName := make(map[string]*Table, len(s.Tables))
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		byName[t.Name] = t
		names = append(names, t.Name)
	}
	sort.Strings(names)

	placed := make(map[string]bool, len(names))
	ordered := make([]*Table, 0, len(names))
	for len(ordered) < len(names) {
		progressed := false
		for _, name := range names {
			if placed[name] {
				continue
			}
			ready := true
			for _, ref := range byName[name].References {
				if ref == name {
					continue
				}
				if _, known := byName[ref]; known && !placed[ref] {
					ready = false
					break
				}
			}
			if ready {
				placed[name] = true
				ordered = append(ordered, byName[name])
				progressed = true
			}
		}
		if !progressed {
			for _, name := range names {
				if !placed[name] {
					placed[name] = true
					ordered = append(ordered, byName[name])
					break
				}
			}
		}
	}
	return ordered
}
