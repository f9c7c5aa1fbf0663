package engine

import "strings"

// NormalizePhrase lowercases s and collapses runs of whitespace to single
// ASCII spaces, stripping leading/trailing whitespace (§3, §4.3).
func NormalizePhrase(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

// BuildHypothesis reconstructs the live hypothesis from a Turn's words:
// final words followed by non-final words, whitespace-normalized and
// lowercased (§4.3, §8 "Hypothesis normalization"). Per the Open Question
// in spec.md §9, this prefers reconstruction from words over transcript;
// transcript is only used as best_final_text at end-of-turn.
func BuildHypothesis(words []TurnWord) string {
	var b strings.Builder
	for _, w := range words {
		if !w.IsFinal {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w.Text)
	}
	for _, w := range words {
		if w.IsFinal {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w.Text)
	}
	return NormalizePhrase(b.String())
}
