// Package schema composes the merged output record shape from the enabled
// backends.
package schema

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chemdb/internal/backend"
)

// Schema is the ordered union of the enabled backends' fields. It is fixed
// for the duration of a run.
type Schema struct {
	backends []backend.Backend
	fields   []string
}

// Compose orders backends by priority and concatenates their field lists.
// Two backends of the same kind or a repeated field name is an error.
func Compose(backends []backend.Backend) (*Schema, error) {
	sorted := append([]backend.Backend(nil), backends...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind() < sorted[j].Kind() })

	s := &Schema{backends: sorted}
	seen := make(map[string]struct{})
	for i, b := range sorted {
		if i > 0 && sorted[i-1].Kind() == b.Kind() {
			return nil, eris.Errorf("schema: backend %s enabled twice", b.Kind())
		}
		for _, f := range b.FieldNames() {
			if _, dup := seen[f]; dup {
				return nil, eris.Errorf("schema: field %s declared twice", f)
			}
			seen[f] = struct{}{}
			s.fields = append(s.fields, f)
		}
	}
	return s, nil
}

// Backends returns the backends in query order.
func (s *Schema) Backends() []backend.Backend {
	return append([]backend.Backend(nil), s.backends...)
}

// Fields returns the output column order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Len is the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// DefaultRecord is the merge of every backend's default record.
func (s *Schema) DefaultRecord() backend.Record {
	rec := make(backend.Record, len(s.fields))
	for _, b := range s.backends {
		rec.Merge(b.DefaultRecord())
	}
	return rec
}

// NeedsSession reports whether any backend requires a session.
func (s *Schema) NeedsSession() bool {
	for _, b := range s.backends {
		if b.NeedsSession() {
			return true
		}
	}
	return false
}

// Shape returns a record with exactly the schema fields: missing fields are
// nil and unknown fields are dropped.
func (s *Schema) Shape(rec backend.Record) backend.Record {
	out := make(backend.Record, len(s.fields))
	for _, f := range s.fields {
		out[f] = rec[f]
	}
	return out
}

// Rows converts records to the plain maps the table writer takes.
func (s *Schema) Rows(recs []backend.Record) []map[string]any {
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = s.Shape(r)
	}
	return out
}
