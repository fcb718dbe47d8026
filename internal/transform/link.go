// Package transform holds the table-level pipeline stages: cross-instrument
// linking, date de-identification, PHI redaction, and id backfill.
package transform

import (
	"strings"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// Link left-outer joins right onto left on (subject, leftOn) matching
// (subject, rightOn). Every left row appears exactly once: when several
// right rows share a key the first wins, and unmatched right cells are
// empty. Right columns whose names collide with left columns are dropped
// (the left value wins). Rows come back sorted by (subject, leftOn) with
// subject as the leading column.
func Link(left, right *models.Table, leftOn, rightOn string) *models.Table {
	type key struct{ subject, on string }
	rightIndex := make(map[key]int, right.Len())
	for i := 0; i < right.Len(); i++ {
		k := key{right.Get(i, "subject"), right.Get(i, rightOn)}
		if _, ok := rightIndex[k]; !ok {
			rightIndex[k] = i
		}
	}

	cols := []string{"subject"}
	for _, c := range left.Columns() {
		if c != "subject" {
			cols = append(cols, c)
		}
	}
	var rightCols []string
	for _, c := range right.Columns() {
		if c == "subject" || left.HasColumn(c) {
			continue
		}
		cols = append(cols, c)
		rightCols = append(rightCols, c)
	}

	out := models.NewTable(cols...)
	for i := 0; i < left.Len(); i++ {
		row := left.Row(i)
		if j, ok := rightIndex[key{left.Get(i, "subject"), left.Get(i, leftOn)}]; ok {
			for _, c := range rightCols {
				row[c] = right.Get(j, c)
			}
		}
		out.AddRow(row)
	}
	out.SortBy("subject", leftOn)
	return out
}

// DeriveLinkedColumn joins right onto left and condenses the right-side
// fromCols into a single newCol cell, parts joined by sep. When every part
// is empty the cell collapses to "" instead of a string of bare
// separators. The result keeps only newCol followed by the original left
// columns; the right columns existed only to derive the new one.
func DeriveLinkedColumn(left, right *models.Table, leftOn, rightOn, newCol string, fromCols []string, sep string) *models.Table {
	joined := Link(left, right, leftOn, rightOn)

	out := models.NewTable(append([]string{newCol}, left.Columns()...)...)
	for i := 0; i < joined.Len(); i++ {
		parts := make([]string, len(fromCols))
		empty := true
		for j, c := range fromCols {
			parts[j] = joined.Get(i, c)
			if parts[j] != "" {
				empty = false
			}
		}
		linked := ""
		if !empty {
			linked = strings.Join(parts, sep)
		}

		row := map[string]string{newCol: linked}
		for _, c := range left.Columns() {
			row[c] = joined.Get(i, c)
		}
		out.AddRow(row)
	}
	return out
}
