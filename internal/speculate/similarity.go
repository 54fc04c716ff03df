package speculate

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Match is the result of reconciling a speculative seed with the final
// transcript.
type Match struct {
	// Similarity is the lowest per-word Jaro-Winkler similarity between the
	// seed and the matching prefix of the final text.
	Similarity float64

	// ExtraWords is how many words the final text adds after the seed.
	ExtraWords int

	// Confirmed is true when the seed may be reused for final.
	Confirmed bool
}

// Reconcile decides whether final is a prefix-compatible superset of seed:
// every seed word must reappear in order at the start of final with a
// similarity of at least threshold (so STT corrections like "wether" →
// "weather" pass while "Paris" → "Berlin" does not), and final may add at
// most maxExtra trailing words.
func Reconcile(seed, final string, threshold float64, maxExtra int) Match {
	sw, fw := keyWords(seed), keyWords(final)
	if len(sw) == 0 || len(fw) < len(sw) {
		return Match{ExtraWords: len(fw) - len(sw)}
	}
	m := Match{Similarity: 1, ExtraWords: len(fw) - len(sw)}
	for i, w := range sw {
		s := 1.0
		if w != fw[i] {
			s = matchr.JaroWinkler(w, fw[i], false)
		}
		if s < m.Similarity {
			m.Similarity = s
		}
	}
	m.Confirmed = m.Similarity >= threshold && m.ExtraWords <= maxExtra
	return m
}

func keyWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:…\"")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// sameText reports whether two seeds are equal ignoring case and punctuation.
func sameText(a, b string) bool {
	return strings.Join(keyWords(a), " ") == strings.Join(keyWords(b), " ")
}
