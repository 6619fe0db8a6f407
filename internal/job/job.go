// Package job turns loaded tables into per-row query jobs.
package job

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chemdb/internal/cas"
	"github.com/sells-group/chemdb/internal/table"
)

var (
	// ErrNoIdentifierColumn means no header matched any identifier hint.
	ErrNoIdentifierColumn = eris.New("no identifier column found")
	// ErrNoRows means the table has an identifier column but no data rows.
	ErrNoRows = eris.New("no rows to process")
)

// Job is one input row's query payload. Terms[0] is the registry-number
// slot and is "" when the row carried no valid registry number. An Empty
// job has no terms and is never dispatched to a backend.
type Job struct {
	Row   int
	Terms []string
	Empty bool
}

// HasRegistryNumber reports whether slot 0 holds a registry number.
func (j Job) HasRegistryNumber() bool {
	return !j.Empty && len(j.Terms) > 0 && j.Terms[0] != ""
}

// Label returns the first usable term, for progress display.
func (j Job) Label() string {
	for _, t := range j.Terms {
		if t != "" {
			return t
		}
	}
	return ""
}

// WithRegistryNumber returns a copy of j with slot 0 set to rn.
func (j Job) WithRegistryNumber(rn string) Job {
	terms := make([]string, len(j.Terms))
	copy(terms, j.Terms)
	if len(terms) == 0 {
		terms = []string{rn}
	} else {
		terms[0] = rn
	}
	return Job{Row: j.Row, Terms: terms, Empty: j.Empty}
}

// IdentifierColumns returns the indices of columns whose header contains one
// of hints, case-insensitively, in left-to-right order. Headerless columns
// never match.
func IdentifierColumns(header []string, hints []string) []int {
	var cols []int
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name == "" || strings.HasPrefix(name, "unnamed") {
			continue
		}
		for _, hint := range hints {
			hint = strings.ToLower(strings.TrimSpace(hint))
			if hint != "" && strings.Contains(name, hint) {
				cols = append(cols, i)
				break
			}
		}
	}
	return cols
}

// Build converts t into jobs ordered by row index.
func Build(t *table.Table, hints []string) ([]Job, error) {
	cols := IdentifierColumns(t.Header, hints)
	if len(cols) == 0 {
		return nil, eris.Wrapf(ErrNoIdentifierColumn, "job: %s (looked for %s)", t.Name, strings.Join(hints, ", "))
	}
	if len(t.Rows) == 0 {
		return nil, eris.Wrapf(ErrNoRows, "job: %s", t.Name)
	}

	jobs := make([]Job, 0, len(t.Rows))
	for r := range t.Rows {
		jobs = append(jobs, buildRow(t, r, cols))
	}
	return jobs, nil
}

func buildRow(t *table.Table, r int, cols []int) Job {
	var populated []string
	for _, c := range cols {
		if v := t.Cell(r, c); v != "" {
			populated = append(populated, v)
		}
	}
	if len(populated) == 0 {
		return Job{Row: r, Empty: true}
	}

	terms := make([]string, 0, len(populated)+1)
	if cas.IsValid(populated[0]) {
		terms = append(terms, populated...)
	} else {
		terms = append(terms, "")
		terms = append(terms, populated...)
	}
	return Job{Row: r, Terms: terms}
}

// Totals summarises a job list for progress reporting.
type Totals struct {
	Compounds int
	// RegistryNumbers counts jobs carrying a valid registry number.
	RegistryNumbers int
	Empty           int
}

// Count tallies jobs.
func Count(jobs []Job) Totals {
	var t Totals
	for _, j := range jobs {
		t.Compounds++
		switch {
		case j.Empty:
			t.Empty++
		case j.HasRegistryNumber():
			t.RegistryNumbers++
		}
	}
	return t
}

// Add accumulates other into t.
func (t *Totals) Add(other Totals) {
	t.Compounds += other.Compounds
	t.RegistryNumbers += other.RegistryNumbers
	t.Empty += other.Empty
}
