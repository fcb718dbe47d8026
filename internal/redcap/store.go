package redcap

import (
	"sort"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// Store holds the EAV export regrouped by
// entity -> subject -> instance -> field -> set of values. Multi-select
// fields report one record per checked value, so values accumulate as a
// set; duplicates collapse and membership is independent of input order.
type Store struct {
	data map[string]map[string]map[string]map[string]map[string]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]map[string]map[string]map[string]map[string]struct{})}
}

// BuildStore regroups the flat EAV export. Records for the study_id
// pseudo-field are keys, not values, and are never stored.
func BuildStore(records []models.EAVRecord) *Store {
	s := NewStore()
	for _, r := range records {
		if r.FieldName == "study_id" {
			continue
		}
		s.Insert(r.Entity(), r.Record, r.RepeatInstance.Normalize(), r.FieldName, r.Value)
	}
	return s
}

// Insert adds one value to the set at (entity, subject, instance, field).
func (s *Store) Insert(entity, subject, instance, field, value string) {
	subjects, ok := s.data[entity]
	if !ok {
		subjects = make(map[string]map[string]map[string]map[string]struct{})
		s.data[entity] = subjects
	}
	instances, ok := subjects[subject]
	if !ok {
		instances = make(map[string]map[string]map[string]struct{})
		subjects[subject] = instances
	}
	fields, ok := instances[instance]
	if !ok {
		fields = make(map[string]map[string]struct{})
		instances[instance] = fields
	}
	values, ok := fields[field]
	if !ok {
		values = make(map[string]struct{})
		fields[field] = values
	}
	values[value] = struct{}{}
}

// Entities returns all entity names, sorted. Lookups never create keys.
func (s *Store) Entities() []string {
	out := make([]string, 0, len(s.data))
	for e := range s.data {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// HasEntity reports whether the store saw any record for entity.
func (s *Store) HasEntity(entity string) bool {
	_, ok := s.data[entity]
	return ok
}

// Subjects returns the sorted subject ids under entity.
func (s *Store) Subjects(entity string) []string {
	subjects := s.data[entity]
	out := make([]string, 0, len(subjects))
	for p := range subjects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Instances returns the sorted instances of (entity, subject).
func (s *Store) Instances(entity, subject string) []string {
	instances := s.data[entity][subject]
	out := make([]string, 0, len(instances))
	for i := range instances {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

// Fields returns the sorted field names of (entity, subject, instance).
func (s *Store) Fields(entity, subject, instance string) []string {
	fields := s.data[entity][subject][instance]
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Values returns the sorted value set of (entity, subject, instance, field).
func (s *Store) Values(entity, subject, instance, field string) []string {
	values := s.data[entity][subject][instance][field]
	out := make([]string, 0, len(values))
	for v := range values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
