// Package stub provides canned backends loaded from YAML fixtures. They serve
// offline runs and tests of everything above the backend contract.
package stub

import (
	"context"
	_ "embed"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/cas"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

// File is the fixture document.
type File struct {
	Backends map[string]Fixture `yaml:"backends"`
}

// Fixture describes one canned backend.
type Fixture struct {
	Session bool     `yaml:"session"`
	Fields  []string `yaml:"fields"`
	// Hits maps an exact term to field stem values.
	Hits map[string]map[string]any `yaml:"hits"`
	// Ambiguous terms report more than one hit.
	Ambiguous []string `yaml:"ambiguous"`
	// Failures maps a term to "transient" or "terminal".
	Failures map[string]string `yaml:"failures"`
	DelayMS  int               `yaml:"delay_ms"`
}

// Backend answers from a Fixture.
type Backend struct {
	kind     backend.Kind
	fixture  Fixture
	fields   []string
	now      backend.Clock
	delay    func(term string) time.Duration
	calls    atomic.Int64
	ambig    map[string]struct{}
	idCASKey string
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.RegistryNumberSource = (*Backend)(nil)

// New builds a backend of kind k from f.
func New(k backend.Kind, f Fixture) (*Backend, error) {
	fields := backend.FieldNames(k, f.Fields...)
	known := make(map[string]struct{}, len(fields))
	for _, n := range fields {
		if _, dup := known[n]; dup {
			return nil, eris.Errorf("stub: %s declares %s twice", k, n)
		}
		known[n] = struct{}{}
	}
	for term, values := range f.Hits {
		for stem := range values {
			if _, ok := known[k.Field(stem)]; !ok {
				return nil, eris.Errorf("stub: %s hit %q sets undeclared field %s", k, term, stem)
			}
		}
	}
	for term, kind := range f.Failures {
		if kind != "transient" && kind != "terminal" {
			return nil, eris.Errorf("stub: %s failure %q has unknown kind %q", k, term, kind)
		}
	}

	b := &Backend{
		kind:     k,
		fixture:  f,
		fields:   fields,
		now:      time.Now,
		ambig:    make(map[string]struct{}, len(f.Ambiguous)),
		idCASKey: k.Field("id_cas"),
	}
	for _, t := range f.Ambiguous {
		b.ambig[t] = struct{}{}
	}
	delay := time.Duration(f.DelayMS) * time.Millisecond
	b.delay = func(string) time.Duration { return delay }
	return b, nil
}

// WithClock pins query_time.
func (b *Backend) WithClock(c backend.Clock) *Backend {
	b.now = c
	return b
}

// WithDelay sets a per-term artificial latency.
func (b *Backend) WithDelay(d func(term string) time.Duration) *Backend {
	b.delay = d
	return b
}

// Calls returns how many times Query ran.
func (b *Backend) Calls() int64 { return b.calls.Load() }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return b.kind }

// FieldNames implements backend.Backend.
func (b *Backend) FieldNames() []string { return append([]string(nil), b.fields...) }

// DefaultRecord implements backend.Backend.
func (b *Backend) DefaultRecord() backend.Record { return backend.DefaultRecord(b.fields) }

// NeedsSession implements backend.Backend.
func (b *Backend) NeedsSession() bool { return b.fixture.Session }

// RegistryNumber implements backend.RegistryNumberSource for fixtures that
// declare an id_cas field.
func (b *Backend) RegistryNumber(rec backend.Record) string {
	v := rec[b.idCASKey]
	if !cas.IsValidAny(v) {
		return ""
	}
	return v.(string)
}

// Query implements backend.Backend.
func (b *Backend) Query(ctx context.Context, sess session.Session, term string) (backend.Record, error) {
	b.calls.Add(1)
	if b.fixture.Session && sess == nil {
		return nil, eris.Errorf("stub: %s requires a session", b.kind)
	}
	if d := b.delay(term); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch b.fixture.Failures[term] {
	case "transient":
		return nil, resilience.Transient(eris.Errorf("stub: %s flaked on %q", b.kind, term))
	case "terminal":
		return nil, eris.Errorf("stub: %s failed on %q", b.kind, term)
	}

	if _, ok := b.ambig[term]; ok {
		return backend.Stamp(b, backend.Ambiguous(b.kind, term), term, b.now()), nil
	}
	values, ok := b.fixture.Hits[term]
	if !ok {
		return backend.Stamp(b, backend.NoHit(b.kind, term), term, b.now()), nil
	}

	rec := backend.Stamp(b, backend.Success(b.kind, ""), term, b.now())
	for stem, v := range values {
		rec[b.kind.Field(stem)] = v
	}
	return rec, nil
}

// Set holds one stub per configured backend.
type Set map[backend.Kind]*Backend

// Parse decodes a fixture document.
func Parse(data []byte) (Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "stub: parse fixtures")
	}
	set := make(Set, len(f.Backends))
	for name, fx := range f.Backends {
		k, err := backend.ParseKind(name)
		if err != nil {
			return nil, eris.Wrap(err, "stub: fixtures")
		}
		b, err := New(k, fx)
		if err != nil {
			return nil, err
		}
		set[k] = b
	}
	return set, nil
}

// Load reads fixtures from path. An empty path loads the built-in set.
func Load(path string) (Set, error) {
	if path == "" {
		return Parse(defaultFixtures)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stub: read fixtures %s", path)
	}
	return Parse(data)
}

// Backends returns the stubs for kinds in priority order, skipping kinds
// without a fixture.
func (s Set) Backends(kinds []backend.Kind) []backend.Backend {
	sorted := append([]backend.Kind(nil), kinds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []backend.Backend
	for _, k := range sorted {
		if b, ok := s[k]; ok {
			out = append(out, b)
		}
	}
	return out
}

// WithClock pins query_time on every stub in the set.
func (s Set) WithClock(c backend.Clock) Set {
	for _, b := range s {
		b.WithClock(c)
	}
	return s
}
