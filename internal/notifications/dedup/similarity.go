package dedup

import "strings"

// tokenize lowercases the text and splits it into a set of alphanumeric
// tokens. Order and repetition are deliberately discarded.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, f := range fields {
		tokens[f] = true
	}
	return tokens
}

// jaccard computes intersection-over-union of two token sets. Two empty
// sets count as identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
