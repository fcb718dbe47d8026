package redcap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// Separator joins a multi-valued cell. Multi-character on purpose so it
// cannot collide with real field values.
const Separator = " :: "

// Project flattens one or more entities of the store into a single table
// with one row per (subject, instance). Passing several entities unions
// them first, for studies that split e.g. enrollment and demographics into
// sibling instruments sharing subjects; a field collected in more than one
// entity contributes the union of its value sets. Each cell is the sorted
// Separator-join of that field's value set, so the encoding does not depend
// on set iteration order. An empty result is an error: an expected
// instrument with no data means the export is broken.
func Project(store *Store, entities ...string) (*models.Table, error) {
	fieldSet := make(map[string]bool)
	type key struct{ subject, instance string }
	seen := make(map[key]bool)
	keys := make([]key, 0)

	for _, entity := range entities {
		for _, subject := range store.Subjects(entity) {
			for _, instance := range store.Instances(entity, subject) {
				k := key{subject, instance}
				if !seen[k] {
					seen[k] = true
					keys = append(keys, k)
				}
				for _, f := range store.Fields(entity, subject, instance) {
					fieldSet[f] = true
				}
			}
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no data from: %s", strings.Join(entities, " / "))
	}

	sort.Slice(keys, func(a, b int) bool {
		if keys[a].subject != keys[b].subject {
			return keys[a].subject < keys[b].subject
		}
		return keys[a].instance < keys[b].instance
	})

	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	table := models.NewTable(append([]string{"subject", "instance"}, fields...)...)
	for _, k := range keys {
		row := map[string]string{"subject": k.subject, "instance": k.instance}
		merged := make(map[string]map[string]struct{})
		for _, entity := range entities {
			for _, f := range store.Fields(entity, k.subject, k.instance) {
				if merged[f] == nil {
					merged[f] = make(map[string]struct{})
				}
				for _, v := range store.Values(entity, k.subject, k.instance, f) {
					merged[f][v] = struct{}{}
				}
			}
		}
		for f, values := range merged {
			vs := make([]string, 0, len(values))
			for v := range values {
				vs = append(vs, v)
			}
			sort.Strings(vs)
			row[f] = strings.Join(vs, Separator)
		}
		table.AddRow(row)
	}
	return table, nil
}

// DropConstantInstance removes the instance column when every row carries
// the default instance; non-repeating instruments gain nothing from it.
func DropConstantInstance(t *models.Table) {
	if !t.HasColumn("instance") {
		return
	}
	for i := 0; i < t.Len(); i++ {
		if t.Get(i, "instance") != "1" {
			return
		}
	}
	t.DropColumn("instance")
}
