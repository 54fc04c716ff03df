// Package truncate finds where an interrupted response was cut off.
//
// A [Timeline] is built while the response streams to the synthesizer: each
// appended segment is split into words with estimated audio positions, and
// positions reported by the audio provider can later be aligned onto it.
// [Truncate] maps the playback position at the moment of interruption back
// to the last fully spoken word.
package truncate

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

// DefaultInstruction is appended to the continuation seed.
const DefaultInstruction = "The user interrupted you at this point. Respond to what they said, and if you continue your earlier answer, pick up naturally from where you stopped instead of repeating yourself."

// DefaultPerChar is the estimated speaking time per character.
const DefaultPerChar = 65 * time.Millisecond

// Config holds truncation tunables.
type Config struct {
	// PerChar estimates word durations before the provider reports real ones.
	PerChar time.Duration `yaml:"per_char"`

	// Instruction is the continuation instruction added to the seed.
	Instruction string `yaml:"instruction"`
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.PerChar <= 0 {
		c.PerChar = DefaultPerChar
	}
	if c.Instruction == "" {
		c.Instruction = DefaultInstruction
	}
	return c
}

// Word is one word of the response with its audio position.
type Word struct {
	Text string

	// StartMs and EndMs are audio offsets from the start of playback.
	StartMs int64
	EndMs   int64

	// CharStart and CharEnd are byte offsets of the word in the response text.
	CharStart int
	CharEnd   int

	// Aligned is true once the provider reported the word's real position.
	Aligned bool
}

// Timeline is the per-word position table of one response. It is not safe
// for concurrent use.
type Timeline struct {
	perChar time.Duration
	text    strings.Builder
	words   []Word
}

// NewTimeline returns an empty timeline estimating perChar per character.
func NewTimeline(perChar time.Duration) *Timeline {
	if perChar <= 0 {
		perChar = DefaultPerChar
	}
	return &Timeline{perChar: perChar}
}

// Append adds a segment of response text. Segments are joined with a single
// space; each word is placed right after the previous one.
func (tl *Timeline) Append(segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	if tl.text.Len() > 0 {
		tl.text.WriteByte(' ')
	}
	base := tl.text.Len()
	tl.text.WriteString(segment)

	cursor := tl.endMs()
	space := tl.perChar.Milliseconds()
	pos := 0
	for _, w := range strings.Fields(segment) {
		idx := strings.Index(segment[pos:], w)
		start := base + pos + idx
		pos += idx + len(w)

		if len(tl.words) > 0 {
			cursor += space
		}
		dur := int64(utf8.RuneCountInString(w)) * tl.perChar.Milliseconds()
		tl.words = append(tl.words, Word{
			Text:      w,
			StartMs:   cursor,
			EndMs:     cursor + dur,
			CharStart: start,
			CharEnd:   start + len(w),
		})
		cursor += dur
	}
}

// Align records the provider-reported position of word i. Estimated words
// after it are shifted by the same amount so the estimate stays contiguous.
func (tl *Timeline) Align(i int, startMs, endMs int64) bool {
	if i < 0 || i >= len(tl.words) || endMs < startMs {
		return false
	}
	delta := endMs - tl.words[i].EndMs
	tl.words[i].StartMs = startMs
	tl.words[i].EndMs = endMs
	tl.words[i].Aligned = true
	for j := i + 1; j < len(tl.words); j++ {
		if tl.words[j].Aligned {
			break
		}
		tl.words[j].StartMs += delta
		tl.words[j].EndMs += delta
	}
	return true
}

// Text returns the full response text appended so far.
func (tl *Timeline) Text() string { return tl.text.String() }

// Words returns a copy of the word table.
func (tl *Timeline) Words() []Word {
	out := make([]Word, len(tl.words))
	copy(out, tl.words)
	return out
}

// Len returns the number of words.
func (tl *Timeline) Len() int { return len(tl.words) }

func (tl *Timeline) endMs() int64 {
	if len(tl.words) == 0 {
		return 0
	}
	return tl.words[len(tl.words)-1].EndMs
}

// Truncate returns the cut point for playback stopped at playbackMs: the
// last word whose audio ended at or before that position. A word that was
// only partly heard is never included. WordIndex is -1 if nothing was heard.
func Truncate(tl *Timeline, playbackMs int64, instruction string) types.TruncationPoint {
	if instruction == "" {
		instruction = DefaultInstruction
	}
	tp := types.TruncationPoint{WordIndex: -1, ContinuationSeed: instruction}
	if tl == nil {
		return tp
	}
	for i, w := range tl.words {
		if w.EndMs > playbackMs {
			break
		}
		tp.WordIndex = i
	}
	if tp.WordIndex < 0 {
		return tp
	}

	w := tl.words[tp.WordIndex]
	text := tl.text.String()
	tp.CharOffset = w.CharEnd
	tp.AudioOffsetMs = w.EndMs
	tp.SpokenText = text[:w.CharEnd]
	tp.ContinuationSeed = lastSentence(tp.SpokenText) + "\n\n" + instruction
	return tp
}

// lastSentence returns the trailing sentence of s, which may be unfinished.
func lastSentence(s string) string {
	cut := -1
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				cut = i + 1
			}
		}
	}
	return strings.TrimSpace(s[cut+1:])
}
