// Package cas validates CAS registry numbers and normalises GHS statement lists.
package cas

import (
	"regexp"
	"strings"
)

var (
	registryPattern   = regexp.MustCompile(`^\d{1,7}-\d{1,2}-\d$`)
	hazardPattern     = regexp.MustCompile(`H\d{3}(?:\s*\+\s*H\d{3})*`)
	precautionPattern = regexp.MustCompile(`P\d{3}(?:\s*\+\s*P\d{3})*`)
)

// IsValid reports whether s is a well-formed CAS registry number with a
// matching check digit. The check digit is the sum of every other digit
// weighted by its position counted from the right, modulo 10.
func IsValid(s string) bool {
	if !registryPattern.MatchString(s) {
		return false
	}

	digits := strings.ReplaceAll(s, "-", "")
	n := len(digits)
	sum := 0
	for i := 0; i < n-1; i++ {
		sum += int(digits[i]-'0') * (n - 1 - i)
	}
	return sum%10 == int(digits[n-1]-'0')
}

// IsValidAny is IsValid for untyped cell values. Anything that is not a
// string is rejected.
func IsValidAny(v any) bool {
	s, ok := v.(string)
	return ok && IsValid(s)
}

// FindAll returns the valid registry numbers among candidates, keeping order
// and dropping duplicates.
func FindAll(candidates []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !IsValid(c) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// HazardStatements extracts unique H-statements (including combinations such
// as "H301 + H311") from free text, whitespace removed and joined with "|".
func HazardStatements(text string) string {
	return uniqueStatements(text, hazardPattern)
}

// PrecautionaryStatements is HazardStatements for P-statements.
func PrecautionaryStatements(text string) string {
	return uniqueStatements(text, precautionPattern)
}

func uniqueStatements(text string, re *regexp.Regexp) string {
	matches := re.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.Join(strings.Fields(m), "")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return strings.Join(out, "|")
}
