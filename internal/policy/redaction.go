// Package policy masks personal data before user text reaches logs.
package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Korean resident registration number: YYMMDD-GNNNNNN.
	rrnPattern   = regexp.MustCompile(`\b\d{6}\s?-\s?[1-8]\d{6}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

var rules = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{emailPattern, "[REDACTED_EMAIL]"},
	{rrnPattern, "[REDACTED_RRN]"},
	// Cards before phones so long digit runs are not classified as phones.
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// LogPreview is the redacted, rune-truncated form of text that may be
// written to logs.
func LogPreview(text string, maxRunes int) string {
	out, _ := RedactPII(text)
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
