// Package backend defines the contract shared by the chemical query sources
// and the status conventions their records follow.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chemdb/internal/session"
)

// Kind identifies a backend. The numeric order is the fixed query priority.
type Kind int

const (
	// Chemikalieninfo is the German chemicals information portal.
	Chemikalieninfo Kind = iota
	// PubChem is the NCBI compound database.
	PubChem
	// Gestis is the DGUV hazardous substances database.
	Gestis
)

type kindInfo struct {
	name     string
	label    string
	suffix   string
	database string
}

var kindTable = [...]kindInfo{
	Chemikalieninfo: {"chemikalieninfo", "Chemikalieninfo", "_ci", "Chemikalieninfo Public"},
	PubChem:         {"pubchem", "PubChem", "_pc", "PubChem"},
	Gestis:          {"gestis", "Gestis", "_gt", "Gestis-Stoffdatenbank"},
}

// AllKinds returns every backend kind in priority order.
func AllKinds() []Kind {
	return []Kind{Chemikalieninfo, PubChem, Gestis}
}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kindTable) }

// String returns the config name of the backend.
func (k Kind) String() string {
	if !k.valid() {
		return "unknown"
	}
	return kindTable[k].name
}

// Label is the human-readable prefix used in status strings.
func (k Kind) Label() string {
	if !k.valid() {
		return "Unknown"
	}
	return kindTable[k].label
}

// Suffix is appended to every field the backend contributes.
func (k Kind) Suffix() string {
	if !k.valid() {
		return "_xx"
	}
	return kindTable[k].suffix
}

// Database is the value written to the query_database field.
func (k Kind) Database() string {
	if !k.valid() {
		return ""
	}
	return kindTable[k].database
}

// ParseKind resolves a config name (or its suffix without underscore).
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllKinds() {
		if s == k.String() || s == strings.TrimPrefix(k.Suffix(), "_") {
			return k, nil
		}
	}
	return 0, eris.Errorf("backend: unknown backend %q", s)
}

// Record is one backend's sub-record or a merged record: field name to
// value. A nil value is an empty cell.
type Record map[string]any

// Str returns the string value of field, or "".
func (r Record) Str(field string) string {
	s, _ := r[field].(string)
	return s
}

// Merge copies src into r.
func (r Record) Merge(src Record) {
	for k, v := range src {
		r[k] = v
	}
}

// Backend is one chemical query source.
type Backend interface {
	Kind() Kind
	// FieldNames is the ordered, suffixed field list. It never changes.
	FieldNames() []string
	// DefaultRecord has exactly FieldNames as keys, all nil.
	DefaultRecord() Record
	// NeedsSession reports whether Query requires a pooled session.
	NeedsSession() bool
	// Query looks up term. Hits, misses and ambiguous results are all
	// returned as records whose status field says which it was. An error
	// means the lookup itself failed; transient failures are wrapped in
	// resilience.TransientError.
	Query(ctx context.Context, sess session.Session, term string) (Record, error)
}

// RegistryNumberSource is implemented by backends whose records can reveal
// the compound's registry number.
type RegistryNumberSource interface {
	RegistryNumber(rec Record) string
}

// Cacheable is implemented by backends whose hits may only sometimes be
// served from the result cache, e.g. because a query writes files.
type Cacheable interface {
	Cacheable() bool
}

// IsCacheable reports whether b's hits may be cached. Backends without a
// Cacheable method always may.
func IsCacheable(b Backend) bool {
	if c, ok := b.(Cacheable); ok {
		return c.Cacheable()
	}
	return true
}

// Clock returns the current time. Backends take one so tests can pin
// query_time.
type Clock func() time.Time
