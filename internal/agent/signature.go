package agent

import (
	"strings"
	"unicode"
)

// Term is a weighted phrase in a domain signature.
type Term struct {
	Text   string
	Weight float64
}

// Signature is the set of phrases that mark a query as belonging to a
// domain. Phrases match on word boundaries after normalization, with an
// optional plural "s" or "es".
type Signature []Term

// Score sums the weights of the matched terms, capped at 1. Each term counts
// at most once.
func (s Signature) Score(text string) float64 {
	norm := normalize(text)
	var total float64
	for _, t := range s {
		if containsTerm(norm, normalize(t.Text)) {
			total += t.Weight
		}
	}
	if total > 1 {
		total = 1
	}
	return total
}

// Matched returns the terms of s found in text, in signature order.
func (s Signature) Matched(text string) []string {
	norm := normalize(text)
	var out []string
	for _, t := range s {
		if containsTerm(norm, normalize(t.Text)) {
			out = append(out, t.Text)
		}
	}
	return out
}

// MatchesAny reports whether text contains any of the phrases.
func MatchesAny(text string, phrases ...string) bool {
	norm := normalize(text)
	for _, p := range phrases {
		if containsTerm(norm, normalize(p)) {
			return true
		}
	}
	return false
}

// normalize lowercases text, turns every run of non-alphanumeric runes into
// a single space and pads the result with spaces.
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + 2)
	sb.WriteByte(' ')
	space := true
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	if !space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

// containsTerm expects both arguments normalized.
func containsTerm(norm, term string) bool {
	t := strings.TrimSpace(term)
	if t == "" {
		return false
	}
	return strings.Contains(norm, " "+t+" ") ||
		strings.Contains(norm, " "+t+"s ") ||
		strings.Contains(norm, " "+t+"es ")
}
