// Package completion scores how likely it is that the user has finished
// their turn.
//
// [Analyze] is a pure function: it combines lexical cues (trailing
// conjunctions and fillers, fragment length, terminal punctuation) with the
// pause since the last fragment, an optional prosody hint, and an optional
// score from an external detector. The same inputs always give the same
// result.
package completion

import (
	"strings"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Verdict is the discrete outcome of an analysis.
type Verdict int

const (
	// Continuing means the user is very likely mid-thought. The aggregation
	// window is reset.
	Continuing Verdict = iota

	// Uncertain means the decision is deferred until the aggregation window
	// expires.
	Uncertain

	// Complete means the user has very likely finished.
	Complete
)

// String returns the lower-case name of the verdict.
func (v Verdict) String() string {
	switch v {
	case Continuing:
		return "continuing"
	case Uncertain:
		return "uncertain"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Reason tags recorded in [Result.Reasons].
const (
	ReasonTrailingConjunction = "trailing_conjunction"
	ReasonTrailingFiller      = "trailing_filler"
	ReasonShortFragment       = "short_fragment"
	ReasonPunctuation         = "terminal_punctuation"
	ReasonFallingPitch        = "falling_pitch"
	ReasonRisingPitch         = "rising_pitch"
	ReasonPause               = "pause"
	ReasonExternal            = "external"
)

// Params are the tunables of the analyzer. Zero fields are replaced by the
// values of [DefaultParams] in [Params.WithDefaults].
type Params struct {
	// Language selects the lexicon ("en", "de"). Unknown languages use "en".
	Language string `yaml:"language"`

	BaseScore          float64 `yaml:"base_score"`
	TrailingPenalty    float64 `yaml:"trailing_penalty"`
	ShortPenalty       float64 `yaml:"short_penalty"`
	ShortWords         int     `yaml:"short_words"`
	PunctuationBonus   float64 `yaml:"punctuation_bonus"`
	FallingPitchBonus  float64 `yaml:"falling_pitch_bonus"`
	RisingPitchPenalty float64 `yaml:"rising_pitch_penalty"`
	PauseBonus         float64 `yaml:"pause_bonus"`

	// PauseThreshold is the silence after which the pause bonus applies.
	PauseThreshold time.Duration `yaml:"pause_threshold"`

	// ExternalWeight is the share of the final score taken from an external
	// detector when one reports.
	ExternalWeight float64 `yaml:"external_weight"`

	CompleteThreshold  float64 `yaml:"complete_threshold"`
	UncertainThreshold float64 `yaml:"uncertain_threshold"`
}

// DefaultParams returns the analyzer defaults.
func DefaultParams() Params {
	return Params{
		Language:           "en",
		BaseScore:          0.5,
		TrailingPenalty:    0.35,
		ShortPenalty:       0.15,
		ShortWords:         3,
		PunctuationBonus:   0.3,
		FallingPitchBonus:  0.15,
		RisingPitchPenalty: 0.05,
		PauseBonus:         0.25,
		PauseThreshold:     700 * time.Millisecond,
		ExternalWeight:     0.4,
		CompleteThreshold:  0.7,
		UncertainThreshold: 0.4,
	}
}

// WithDefaults returns p with every zero field replaced by its default.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.Language == "" {
		p.Language = d.Language
	}
	if p.BaseScore == 0 {
		p.BaseScore = d.BaseScore
	}
	if p.TrailingPenalty == 0 {
		p.TrailingPenalty = d.TrailingPenalty
	}
	if p.ShortPenalty == 0 {
		p.ShortPenalty = d.ShortPenalty
	}
	if p.ShortWords == 0 {
		p.ShortWords = d.ShortWords
	}
	if p.PunctuationBonus == 0 {
		p.PunctuationBonus = d.PunctuationBonus
	}
	if p.FallingPitchBonus == 0 {
		p.FallingPitchBonus = d.FallingPitchBonus
	}
	if p.RisingPitchPenalty == 0 {
		p.RisingPitchPenalty = d.RisingPitchPenalty
	}
	if p.PauseBonus == 0 {
		p.PauseBonus = d.PauseBonus
	}
	if p.PauseThreshold == 0 {
		p.PauseThreshold = d.PauseThreshold
	}
	if p.ExternalWeight == 0 {
		p.ExternalWeight = d.ExternalWeight
	}
	if p.CompleteThreshold == 0 {
		p.CompleteThreshold = d.CompleteThreshold
	}
	if p.UncertainThreshold == 0 {
		p.UncertainThreshold = d.UncertainThreshold
	}
	return p
}

// Input is everything the analyzer looks at.
type Input struct {
	// Text is the utterance so far, possibly partial.
	Text string

	// Pause is the time since the last fragment arrived.
	Pause time.Duration

	// Prosody is the latest intonation hint. The zero value means unknown.
	Prosody types.Prosody

	// External is a completion confidence in [0,1] from an external detector.
	// It is only used when HasExternal is set.
	External    float64
	HasExternal bool
}

// Result is the outcome of [Analyze].
type Result struct {
	Score   float64
	Verdict Verdict

	// Reasons lists the cues that moved the score, in evaluation order.
	Reasons []string
}

// Analyze scores in against p. It has no side effects.
func Analyze(in Input, p Params) Result {
	ws := words(in.Text)
	if len(ws) == 0 {
		return Result{Score: 0, Verdict: Continuing}
	}

	var res Result
	lx := LexiconFor(p.Language)
	terminal := HasTerminalPunctuation(in.Text)
	score := p.BaseScore

	fillers := lx.Fillers
	if terminal {
		fillers = lx.Hesitations
	}
	if _, ok := endsWithAny(ws, fillers, true); ok {
		score -= p.TrailingPenalty
		res.Reasons = append(res.Reasons, ReasonTrailingFiller)
	} else if !terminal {
		if _, ok := endsWithAny(ws, lx.Conjunctions, false); ok {
			score -= p.TrailingPenalty
			res.Reasons = append(res.Reasons, ReasonTrailingConjunction)
		}
	}

	if len(ws) < p.ShortWords && !terminal {
		score -= p.ShortPenalty
		res.Reasons = append(res.Reasons, ReasonShortFragment)
	}

	if terminal {
		score += p.PunctuationBonus
		res.Reasons = append(res.Reasons, ReasonPunctuation)
	}

	switch in.Prosody.Pitch {
	case types.PitchFalling:
		score += p.FallingPitchBonus
		res.Reasons = append(res.Reasons, ReasonFallingPitch)
	case types.PitchRising:
		score -= p.RisingPitchPenalty
		res.Reasons = append(res.Reasons, ReasonRisingPitch)
	}

	if p.PauseThreshold > 0 && in.Pause >= p.PauseThreshold {
		score += p.PauseBonus
		res.Reasons = append(res.Reasons, ReasonPause)
	}

	score = clamp01(score)
	if in.HasExternal {
		w := clamp01(p.ExternalWeight)
		score = (1-w)*score + w*clamp01(in.External)
		res.Reasons = append(res.Reasons, ReasonExternal)
	}

	res.Score = clamp01(score)
	res.Verdict = verdictFor(res.Score, p)
	return res
}

func verdictFor(score float64, p Params) Verdict {
	switch {
	case score >= p.CompleteThreshold:
		return Complete
	case score >= p.UncertainThreshold:
		return Uncertain
	default:
		return Continuing
	}
}

// HasTerminalPunctuation reports whether text ends in '.', '!' or '?'.
// A trailing ellipsis marks a trailing-off voice and does not count.
func HasTerminalPunctuation(text string) bool {
	t := strings.TrimRight(text, " \t\n\r\"')")
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// WordCount returns the number of words in text.
func WordCount(text string) int {
	return len(words(text))
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
