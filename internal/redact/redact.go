// Package redact implements pattern-based PII masking. Redact is a pure
// function: no I/O, no errors, idempotent, and deterministic in the order
// patterns are applied.
package redact

import (
	"regexp"
	"sort"
)

// Pattern pairs a compiled regular expression with the placeholder its
// matches are replaced by.
type Pattern struct {
	Name        string
	Regexp      *regexp.Regexp
	Placeholder string
}

// NewPattern compiles expr and panics on an invalid expression — patterns
// are wired at startup from configuration, where a malformed regex is a
// ConfigurationError the operator must fix, not a runtime condition.
func NewPattern(name, expr, placeholder string) Pattern {
	return Pattern{Name: name, Regexp: regexp.MustCompile(expr), Placeholder: placeholder}
}

// DefaultPatterns returns the built-in pattern set: email addresses,
// US-style SSNs, card-like 13-19 digit sequences, phone numbers, and
// common API-key/secret shapes. Policy configuration may extend this list
// (policy.pii_patterns) with additional regexes and placeholders.
func DefaultPatterns() []Pattern {
	return []Pattern{
		NewPattern("email", `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, "[EMAIL_REDACTED]"),
		NewPattern("ssn", `\b\d{3}-\d{2}-\d{4}\b`, "[SSN_REDACTED]"),
		NewPattern("card", `\b(?:\d[ -]?){13,19}\b`, "[CARD_REDACTED]"),
		NewPattern("phone", `\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`, "[PHONE_REDACTED]"),
		NewPattern("api_key", `\b(?:sk|pk|api)[-_][A-Za-z0-9]{16,}\b`, "[APIKEY_REDACTED]"),
	}
}

// Redactor holds an ordered, deduplicated pattern set and applies it to
// arbitrary strings.
type Redactor struct {
	patterns []Pattern
}

// New builds a Redactor from patterns, ordering them deterministically:
// longest source expression first, lexicographic by name as a tie-break
// (§4.1). Ordering matters only when two patterns can both match overlapping
// text; applying the more specific (longer) pattern first avoids a shorter
// pattern partially masking text a longer one would have fully captured.
func New(patterns []Pattern) *Redactor {
	ordered := append([]Pattern(nil), patterns...)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := len(ordered[i].Regexp.String()), len(ordered[j].Regexp.String())
		if li != lj {
			return li > lj
		}
		return ordered[i].Name < ordered[j].Name
	})
	return &Redactor{patterns: ordered}
}

// Default builds a Redactor over DefaultPatterns.
func Default() *Redactor {
	return New(DefaultPatterns())
}

// Redact replaces every match of every configured pattern in s with that
// pattern's placeholder. Pure, O(n·k) for input length n and k patterns,
// never returns an error, and is idempotent: Redact(Redact(s)) == Redact(s),
// since placeholders are bracket-delimited literal tokens none of the
// patterns above can themselves match.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	out := s
	for _, p := range r.patterns {
		out = p.Regexp.ReplaceAllString(out, p.Placeholder)
	}
	return out
}

// Contains reports whether s still contains a match for any configured
// pattern — used by tests asserting the post-redaction invariant in §8.
func (r *Redactor) Contains(s string) bool {
	for _, p := range r.patterns {
		if p.Regexp.MatchString(s) {
			return true
		}
	}
	return false
}
