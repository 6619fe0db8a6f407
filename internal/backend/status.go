package backend

import (
	"fmt"
	"strings"
	"time"
)

const (
	// SuccessMarker is present in every hit status.
	SuccessMarker = "Success!"
	// NotListed marks a field the source page did not contain.
	NotListed = "Not listed!"
	// TimeLayout formats query_time fields.
	TimeLayout = "2006-01-02 15:04:05"
)

// Common field stems every backend carries, in order.
var commonStems = []string{
	"query_status",
	"query_term",
	"query_database",
	"query_time",
	"query_finding",
	"query_link",
}

// Field returns stem with the backend suffix.
func (k Kind) Field(stem string) string {
	return stem + k.Suffix()
}

// StatusField is the field carrying the backend's status string.
func (k Kind) StatusField() string { return k.Field("query_status") }

// FieldNames builds the ordered field list for k: the common query fields
// followed by stems.
func FieldNames(k Kind, stems ...string) []string {
	out := make([]string, 0, len(commonStems)+len(stems))
	for _, s := range commonStems {
		out = append(out, k.Field(s))
	}
	for _, s := range stems {
		out = append(out, k.Field(s))
	}
	return out
}

// DefaultRecord returns a record with every field in names set to nil.
func DefaultRecord(names []string) Record {
	rec := make(Record, len(names))
	for _, n := range names {
		rec[n] = nil
	}
	return rec
}

// Stamp returns b's default record with the status, term, database and time
// fields filled.
func Stamp(b Backend, status, term string, now time.Time) Record {
	k := b.Kind()
	rec := b.DefaultRecord()
	rec[k.Field("query_status")] = status
	rec[k.Field("query_term")] = term
	rec[k.Field("query_database")] = k.Database()
	rec[k.Field("query_time")] = now.Format(TimeLayout)
	return rec
}

// Success is the hit status. note may add disambiguation detail.
func Success(k Kind, note string) string {
	if note == "" {
		return fmt.Sprintf("%s | %s", k.Label(), SuccessMarker)
	}
	return fmt.Sprintf("%s | %s %s", k.Label(), SuccessMarker, note)
}

// NoHit is the status for a term the source does not know.
func NoHit(k Kind, term string) string {
	return fmt.Sprintf("%s | Skipped <%s>: No query hit found!", k.Label(), term)
}

// Ambiguous is the status for a term matching several compounds.
func Ambiguous(k Kind, term string) string {
	return fmt.Sprintf("%s | Skipped <%s>: More than one query hit found!", k.Label(), term)
}

// Failed is the status after the lookup itself failed.
func Failed(k Kind, term string) string {
	return fmt.Sprintf("%s | Skipped <%s>: Error! This is not your fault. Retrying later may help ...", k.Label(), term)
}

// Unavailable is the status while the backend's circuit is open.
func Unavailable(k Kind, term string) string {
	return fmt.Sprintf("%s | Skipped <%s>: Service temporarily unavailable after repeated errors!", k.Label(), term)
}

// SelectedNote describes a disambiguated hit.
func SelectedNote(candidates int, term string) string {
	return fmt.Sprintf("Most probable out of %d query hits selected for <%s>.", candidates, term)
}

// IsSuccess reports whether rec holds a hit for k.
func IsSuccess(rec Record, k Kind) bool {
	return strings.Contains(rec.Str(k.StatusField()), SuccessMarker)
}
