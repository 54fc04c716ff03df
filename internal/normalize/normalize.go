// Package normalize converts raw events from the two VAD producers and the
// transcript source into the timestamped types consumed by the turn session.
package normalize

import (
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/turnkeeper/pkg/provider/stt"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// FromVAD converts a detector event into a [types.VADSignal] stamped with at.
//
// Speech events carry the detector probability as confidence; silence events
// carry its complement, so a confident silence is a high-confidence signal.
func FromVAD(src types.VoiceSource, ev vad.VADEvent, at time.Time) types.VADSignal {
	p := clamp01(ev.Probability)
	sig := types.VADSignal{Source: src, Timestamp: at}
	if ev.Type.IsSpeech() {
		sig.State = types.VoiceSpeech
		sig.Confidence = p
	} else {
		sig.State = types.VoiceSilence
		sig.Confidence = 1 - p
	}
	return sig
}

// Normalizer converts provider transcripts into fragments.
// The zero value is ready to use.
type Normalizer struct {
	// DefaultConfidence is used when the provider reports no confidence at all.
	// Zero means 1.0.
	DefaultConfidence float64
}

// Transcript converts t into a fragment received at receivedAt. Whitespace is
// collapsed, and every word is located in the normalised text so downstream
// consumers can map confidences back onto characters.
func (n Normalizer) Transcript(t stt.Transcript, receivedAt time.Time) types.TranscriptFragment {
	text := CollapseSpace(t.Text)
	f := types.TranscriptFragment{
		Text:       text,
		IsFinal:    t.IsFinal,
		StartMs:    t.Offset.Milliseconds(),
		EndMs:      (t.Offset + t.Duration).Milliseconds(),
		ReceivedAt: receivedAt,
	}

	conf := t.Confidence
	if conf <= 0 {
		conf = n.DefaultConfidence
		if conf <= 0 {
			conf = 1
		}
	}
	conf = clamp01(conf)

	if len(t.Words) == 0 {
		for _, w := range strings.Fields(text) {
			f.Words = append(f.Words, types.WordConfidence{Word: w, Confidence: conf})
		}
	} else {
		f.Words = make([]types.WordConfidence, 0, len(t.Words))
		for _, w := range t.Words {
			c := w.Confidence
			if c <= 0 {
				c = conf
			}
			f.Words = append(f.Words, types.WordConfidence{Word: strings.TrimSpace(w.Word), Confidence: clamp01(c)})
		}
		if len(t.Words) > 0 && t.Duration == 0 {
			f.StartMs = t.Words[0].Start.Milliseconds()
			f.EndMs = t.Words[len(t.Words)-1].End.Milliseconds()
		}
	}
	locateWords(text, f.Words)
	return f
}

// locateWords fills CharOffset for each word by scanning text left to right,
// case-insensitively. Words that cannot be found get -1.
func locateWords(text string, words []types.WordConfidence) {
	lower := strings.ToLower(text)
	cursor := 0
	for i := range words {
		w := strings.ToLower(words[i].Word)
		if w == "" {
			words[i].CharOffset = -1
			continue
		}
		idx := strings.Index(lower[cursor:], w)
		if idx < 0 {
			words[i].CharOffset = -1
			continue
		}
		words[i].CharOffset = cursor + idx
		cursor += idx + len(w)
	}
}

// CollapseSpace trims s and replaces every run of whitespace with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// MeanConfidence returns the mean word confidence of f, or 1 when f has no
// words.
func MeanConfidence(f types.TranscriptFragment) float64 {
	if len(f.Words) == 0 {
		return 1
	}
	var sum float64
	for _, w := range f.Words {
		sum += w.Confidence
	}
	return sum / float64(len(f.Words))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
