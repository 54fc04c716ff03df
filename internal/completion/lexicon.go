package completion

import "strings"

// Lexicon holds the language-specific word lists used by the heuristics.
// Entries are lower-case; multi-word entries are matched against the trailing
// words of an utterance.
type Lexicon struct {
	// Conjunctions are words after which a speaker almost never stops
	// (conjunctions, articles, dangling prepositions).
	Conjunctions []string

	// Fillers are hesitation markers. Elongated forms ("ummm") match their
	// short form.
	Fillers []string

	// Hesitations are the fillers that are never real words. They still mark
	// a held turn when the recogniser has punctuated the text, where
	// ambiguous fillers such as "like" or "i mean" usually end a sentence.
	Hesitations []string

	// Backchannels are short listener responses that acknowledge without
	// taking the turn.
	Backchannels []string

	// FrustrationCues signal that the user is unhappy with the response.
	FrustrationCues []string
}

var lexicons = map[string]Lexicon{
	"en": {
		Conjunctions: []string{
			"and", "but", "or", "so", "because", "cause", "cos", "then", "if",
			"that", "which", "although", "though", "while", "when", "unless",
			"until", "whereas", "plus", "also", "the", "a", "an", "to", "of",
			"with", "for", "my", "your", "about",
		},
		Fillers: []string{
			"um", "uh", "er", "erm", "ah", "hm", "like", "you know", "i mean",
			"sort of", "kind of",
		},
		Hesitations: []string{"um", "uh", "er", "erm", "ah", "hm"},
		Backchannels: []string{
			"mm-hm", "mhm", "mm", "hmm", "uh-huh", "yeah", "yep", "yes", "ok",
			"okay", "right", "sure", "alright", "i see", "got it", "cool",
		},
		FrustrationCues: []string{
			"no no", "stop", "that's not what i", "you're not listening",
			"listen", "i said", "never mind", "forget it",
		},
	},
	"de": {
		Conjunctions: []string{
			"und", "aber", "oder", "weil", "dass", "denn", "wenn", "ob",
			"sondern", "damit", "der", "die", "das", "den", "dem", "ein",
			"eine", "zu", "mit", "für", "von",
		},
		Fillers: []string{
			"äh", "ähm", "öhm", "hm", "also", "halt", "quasi", "sozusagen",
			"naja", "irgendwie",
		},
		Hesitations: []string{"äh", "ähm", "öhm", "hm"},
		Backchannels: []string{
			"ja", "jap", "genau", "okay", "ok", "mhm", "hm", "stimmt", "klar",
			"richtig", "aha",
		},
		FrustrationCues: []string{
			"nein nein", "stopp", "hör zu", "hör mir zu", "das habe ich nicht",
			"vergiss es",
		},
	},
}

// LexiconFor returns the lexicon for lang, falling back to English.
// Region subtags are ignored ("de-AT" uses "de").
func LexiconFor(lang string) Lexicon {
	lang = strings.ToLower(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lx, ok := lexicons[lang]; ok {
		return lx
	}
	return lexicons["en"]
}

// words lower-cases text and splits it into words with surrounding
// punctuation removed. Apostrophes and hyphens inside words are kept.
func words(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return strings.ContainsRune(".,!?;:…\"'()[]-–", r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// squash collapses runs of the same rune so elongated fillers match.
func squash(s string) string {
	var b strings.Builder
	var prev rune = -1
	for _, r := range s {
		if r != prev {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// endsWithAny reports whether the word sequence ends with one of the entries.
// When elongate is set both sides are squashed before comparing.
func endsWithAny(ws []string, entries []string, elongate bool) (string, bool) {
	for _, e := range entries {
		ew := strings.Fields(e)
		if len(ew) == 0 || len(ew) > len(ws) {
			continue
		}
		tail := ws[len(ws)-len(ew):]
		match := true
		for i := range ew {
			a, b := tail[i], ew[i]
			if elongate {
				a, b = squash(a), squash(b)
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return e, true
		}
	}
	return "", false
}

// IsBackchannel reports whether text consists only of backchannel tokens.
func IsBackchannel(text, lang string) bool {
	ws := words(text)
	if len(ws) == 0 {
		return false
	}
	lx := LexiconFor(lang)
	for len(ws) > 0 {
		e, ok := endsWithAny(ws, lx.Backchannels, true)
		if !ok {
			return false
		}
		ws = ws[:len(ws)-len(strings.Fields(e))]
	}
	return true
}

// HasFrustrationCue reports whether text contains one of the language's
// frustration cues.
func HasFrustrationCue(text, lang string) bool {
	joined := " " + strings.Join(words(text), " ") + " "
	for _, cue := range LexiconFor(lang).FrustrationCues {
		if strings.Contains(joined, " "+cue+" ") {
			return true
		}
	}
	return false
}
