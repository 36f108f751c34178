package content

import (
	"unicode"
	"unicode/utf8"
)

// MinSuggestRunes is the shortest typed word that triggers suggestions.
const MinSuggestRunes = 2

// Span is a half-open rune range [Start, End) inside a suggestion.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Suggestion struct {
	Text       string `json:"text"`
	Highlights []Span `json:"highlights"`
}

// Suggest returns the canned prompts containing word, case-insensitively,
// with every occurrence marked for highlighting. Spans index the runes of
// the suggestion as written.
func (c Content) Suggest(word string) []Suggestion {
	if utf8.RuneCountInString(word) < MinSuggestRunes {
		return nil
	}
	needle := []rune(word)
	var out []Suggestion
	for _, s := range c.Suggestions {
		spans := matchSpans([]rune(s), needle)
		if len(spans) == 0 {
			continue
		}
		out = append(out, Suggestion{Text: s, Highlights: spans})
	}
	return out
}

func matchSpans(hay, needle []rune) []Span {
	var spans []Span
	for i := 0; i+len(needle) <= len(hay); {
		if runesEqualFold(hay[i:i+len(needle)], needle) {
			spans = append(spans, Span{Start: i, End: i + len(needle)})
			i += len(needle)
			continue
		}
		i++
	}
	return spans
}

// runesEqualFold compares rune by rune under simple case folding, so a
// match never changes length the way strings.ToLower can.
func runesEqualFold(a, b []rune) bool {
	for i := range a {
		if !foldEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func foldEqual(a, b rune) bool {
	if a == b {
		return true
	}
	for f := unicode.SimpleFold(a); f != a; f = unicode.SimpleFold(f) {
		if f == b {
			return true
		}
	}
	return false
}
