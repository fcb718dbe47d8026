package models

import (
	"sort"
)

// Table is the in-flight tabular structure used between pipeline stages: an
// ordered list of column names over rows of string cells. Columns are added
// and removed by name as stages derive and redact fields; a fixed schema is
// only imposed at the warehouse boundary. A cell that was never set reads as
// the empty string, so every stage sees uniformly string-typed data.
type Table struct {
	cols []string
	rows []map[string]string
}

// NewTable returns an empty table with the given leading columns.
func NewTable(cols ...string) *Table {
	t := &Table{}
	for _, c := range cols {
		t.AddColumn(c)
	}
	return t
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.cols))
	copy(out, t.cols)
	return out
}

// HasColumn reports whether the table has a column of that name.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.cols {
		if c == name {
			return true
		}
	}
	return false
}

// AddColumn appends a column if it is not already present.
func (t *Table) AddColumn(name string) {
	if !t.HasColumn(name) {
		t.cols = append(t.cols, name)
	}
}

// DropColumn removes a column and its cells.
func (t *Table) DropColumn(name string) {
	kept := t.cols[:0]
	for _, c := range t.cols {
		if c != name {
			kept = append(kept, c)
		}
	}
	t.cols = kept
	for _, r := range t.rows {
		delete(r, name)
	}
}

// MoveToFront makes name the leading column.
func (t *Table) MoveToFront(name string) {
	if !t.HasColumn(name) {
		return
	}
	cols := make([]string, 0, len(t.cols))
	cols = append(cols, name)
	for _, c := range t.cols {
		if c != name {
			cols = append(cols, c)
		}
	}
	t.cols = cols
}

// AddRow appends a row. Cells under names that are not yet columns become
// new trailing columns in sorted order, so row insertion order cannot
// change the resulting schema.
func (t *Table) AddRow(cells map[string]string) {
	extra := make([]string, 0)
	for k := range cells {
		if !t.HasColumn(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	t.cols = append(t.cols, extra...)

	row := make(map[string]string, len(cells))
	for k, v := range cells {
		row[k] = v
	}
	t.rows = append(t.rows, row)
}

// Len returns the row count.
func (t *Table) Len() int {
	return len(t.rows)
}

// Get returns the cell at (row, column), "" when the cell was never set.
func (t *Table) Get(i int, col string) string {
	return t.rows[i][col]
}

// Set writes a cell, adding the column if needed.
func (t *Table) Set(i int, col, value string) {
	t.AddColumn(col)
	t.rows[i][col] = value
}

// Row returns a copy of row i keyed by column name, with "" for unset cells.
func (t *Table) Row(i int) map[string]string {
	out := make(map[string]string, len(t.cols))
	for _, c := range t.cols {
		out[c] = t.rows[i][c]
	}
	return out
}

// SortBy stable-sorts rows by the given columns ascending, comparing cell
// strings lexicographically.
func (t *Table) SortBy(cols ...string) {
	sort.SliceStable(t.rows, func(a, b int) bool {
		for _, c := range cols {
			av, bv := t.rows[a][c], t.rows[b][c]
			if av != bv {
				return av < bv
			}
		}
		return false
	})
}

// Filter keeps only the rows for which keep returns true.
func (t *Table) Filter(keep func(i int) bool) {
	kept := t.rows[:0]
	for i, r := range t.rows {
		if keep(i) {
			kept = append(kept, r)
		}
	}
	t.rows = kept
}

// TableSet is an ordered collection of named tables; iteration follows
// insertion order so warehouse loads are reproducible.
type TableSet struct {
	names  []string
	tables map[string]*Table
}

func NewTableSet() *TableSet {
	return &TableSet{tables: make(map[string]*Table)}
}

// Add registers a table under name, replacing any previous table of that
// name without changing its position.
func (s *TableSet) Add(name string, t *Table) {
	if _, ok := s.tables[name]; !ok {
		s.names = append(s.names, name)
	}
	s.tables[name] = t
}

// Get returns the named table or nil.
func (s *TableSet) Get(name string) *Table {
	return s.tables[name]
}

// Names returns table names in insertion order.
func (s *TableSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// SortedNames returns table names in lexicographic order, for audit output.
func (s *TableSet) SortedNames() []string {
	out := s.Names()
	sort.Strings(out)
	return out
}

func (s *TableSet) Len() int {
	return len(s.names)
}
