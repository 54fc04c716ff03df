// Package aggregate merges transcript fragments separated by short pauses
// into a single utterance.
//
// An [Aggregator] holds at most one open utterance. Partial fragments from
// the transcript source are revisable: a later partial that restates the
// previous one replaces it, while a fragment that starts something new is
// appended. A final fragment closes the utterance immediately; otherwise the
// utterance is closed by [Aggregator.Expire] once its deadline passes.
//
// The aggregator never reads the clock. Every method takes the current time
// so the owner can drive it from its own event loop and tests can replay
// exact timelines.
package aggregate

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Config holds the aggregation windows.
type Config struct {
	// BaseWindow is how long a freshly opened utterance waits for more speech.
	BaseWindow time.Duration `yaml:"base_window"`

	// ExtensionWindow is the wait after each further fragment. It is shorter
	// than BaseWindow to bound worst-case latency.
	ExtensionWindow time.Duration `yaml:"extension_window"`

	// MaxHold caps how long one utterance may stay open, measured from its
	// first fragment.
	MaxHold time.Duration `yaml:"max_hold"`
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		BaseWindow:      2 * time.Second,
		ExtensionWindow: time.Second,
		MaxHold:         8 * time.Second,
	}
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BaseWindow <= 0 {
		c.BaseWindow = d.BaseWindow
	}
	if c.ExtensionWindow <= 0 {
		c.ExtensionWindow = d.ExtensionWindow
	}
	if c.MaxHold <= 0 {
		c.MaxHold = d.MaxHold
	}
	return c
}

type utterance struct {
	stable   string // text that can no longer be revised
	pending  string // latest partial, replaced by its revisions
	count    int
	start    time.Time
	deadline time.Time
	last     time.Time
}

func (u *utterance) text() string {
	return join(u.stable, u.pending)
}

// Aggregator merges fragments into utterances. It is not safe for concurrent
// use; the turn session calls it from its single event loop.
type Aggregator struct {
	cfg  Config
	open *utterance

	lastFinalText string
	lastFinalEnd  int64
	haveFinal     bool
}

// New returns an Aggregator using cfg (zero fields take defaults).
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg.WithDefaults()}
}

// Add merges f into the open utterance at time now and returns every
// utterance finalised as a result, oldest first.
//
// If the open utterance's deadline has already passed, it is finalised first
// and f starts the next utterance. A final fragment finalises its utterance
// immediately. accepted is false when f was dropped: empty text or a repeat
// of the last final fragment.
func (a *Aggregator) Add(f types.TranscriptFragment, now time.Time) (finalized []types.AggregatedUtterance, accepted bool) {
	text := strings.Join(strings.Fields(f.Text), " ")
	if text == "" {
		return nil, false
	}
	if f.IsFinal && a.isDuplicateFinal(text, f.EndMs) {
		return nil, false
	}

	if a.open != nil && !now.Before(a.open.deadline) {
		finalized = append(finalized, a.finalize(false))
	}

	if a.open == nil {
		a.open = &utterance{
			start:    now,
			deadline: a.capDeadline(now, now.Add(a.cfg.BaseWindow), now),
		}
		a.open.pending = text
	} else {
		a.merge(text)
		a.open.deadline = a.capDeadline(a.open.start, now.Add(a.cfg.ExtensionWindow), now)
	}
	a.open.count++
	a.open.last = now

	if f.IsFinal {
		a.lastFinalText = normKey(text)
		a.lastFinalEnd = f.EndMs
		a.haveFinal = true
		finalized = append(finalized, a.finalize(true))
	}
	return finalized, true
}

// merge folds text into the open utterance: a revision of the pending
// partial replaces it, anything else is appended with overlap removed.
func (a *Aggregator) merge(text string) {
	u := a.open
	if u.pending != "" && isRevision(u.pending, text) {
		u.pending = text
		return
	}
	u.stable = join(u.stable, u.pending)
	u.pending = trimOverlap(u.stable, text)
}

// Expire finalises the open utterance if its deadline is at or before now.
func (a *Aggregator) Expire(now time.Time) (types.AggregatedUtterance, bool) {
	if a.open == nil || now.Before(a.open.deadline) {
		return types.AggregatedUtterance{}, false
	}
	return a.finalize(false), true
}

// Extend pushes the deadline of the open utterance to now+window while the
// user is still heard speaking. The deadline never moves earlier and never
// past MaxHold.
func (a *Aggregator) Extend(now time.Time, window time.Duration) bool {
	if a.open == nil {
		return false
	}
	d := a.capDeadline(a.open.start, now.Add(window), now)
	if !d.After(a.open.deadline) {
		return false
	}
	a.open.deadline = d
	return true
}

// Reopen puts a finalised utterance back as the open one, with a deadline of
// now+window. Text already open is appended after it.
func (a *Aggregator) Reopen(u types.AggregatedUtterance, now time.Time, window time.Duration) {
	start := u.WindowStart
	if start.IsZero() {
		start = now
	}
	next := &utterance{
		stable: u.Text,
		count:  u.FragmentCount,
		start:  start,
		last:   u.LastFragmentAt,
	}
	if a.open != nil {
		next.stable = join(next.stable, a.open.text())
		next.count += a.open.count
		if a.open.last.After(next.last) {
			next.last = a.open.last
		}
	}
	next.deadline = a.capDeadline(start, now.Add(window), now)
	a.open = next
}

// Peek returns a snapshot of the open utterance.
func (a *Aggregator) Peek() (types.AggregatedUtterance, bool) {
	if a.open == nil {
		return types.AggregatedUtterance{}, false
	}
	return a.snapshot(false), true
}

// Open reports whether an utterance is open.
func (a *Aggregator) Open() bool { return a.open != nil }

// Deadline returns the deadline of the open utterance, or the zero time.
func (a *Aggregator) Deadline() time.Time {
	if a.open == nil {
		return time.Time{}
	}
	return a.open.deadline
}

// Discard drops the open utterance without finalising it.
func (a *Aggregator) Discard() { a.open = nil }

func (a *Aggregator) finalize(hard bool) types.AggregatedUtterance {
	u := a.snapshot(hard)
	a.open = nil
	return u
}

func (a *Aggregator) snapshot(hard bool) types.AggregatedUtterance {
	return types.AggregatedUtterance{
		Text:           a.open.text(),
		FragmentCount:  a.open.count,
		WindowStart:    a.open.start,
		WindowDeadline: a.open.deadline,
		LastFragmentAt: a.open.last,
		HardFinal:      hard,
	}
}

// capDeadline bounds d by start+MaxHold but never returns a time before now.
func (a *Aggregator) capDeadline(start, d, now time.Time) time.Time {
	if limit := start.Add(a.cfg.MaxHold); d.After(limit) {
		d = limit
	}
	if d.Before(now) {
		d = now
	}
	return d
}

func (a *Aggregator) isDuplicateFinal(text string, endMs int64) bool {
	return a.haveFinal && a.lastFinalEnd == endMs && a.lastFinalText == normKey(text)
}

// ─── text helpers ────────────────────────────────────────────────────────────

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

// normKey lower-cases text and strips punctuation for comparisons.
func normKey(text string) string {
	return strings.Join(keyWords(text), " ")
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

// Covers reports whether next adds no words to prev: its words, ignoring
// case and punctuation, are a prefix of prev's.
func Covers(prev, next string) bool {
	pw, nw := keyWords(prev), keyWords(next)
	if len(nw) == 0 || len(nw) > len(pw) {
		return len(nw) == 0
	}
	for i, w := range nw {
		if pw[i] != w {
			return false
		}
	}
	return true
}

// revisedWord is the Jaro-Winkler similarity above which two words count as
// the same word re-recognised ("statoin" and "station").
const revisedWord = 0.85

// isRevision reports whether next restates prev. Either one is a word
// prefix of the other, or next agrees with all of prev except its last word,
// which recognisers commonly revise. Words match when they are equal or
// near-identical.
func isRevision(prev, next string) bool {
	pw, nw := keyWords(prev), keyWords(next)
	if len(pw) == 0 || len(nw) == 0 {
		return false
	}
	common := 0
	for common < len(pw) && common < len(nw) && sameWord(pw[common], nw[common]) {
		common++
	}
	if common == len(pw) || common == len(nw) {
		return true
	}
	return common >= 2 && common >= len(pw)-1
}

func sameWord(a, b string) bool {
	return a == b || matchr.JaroWinkler(a, b, false) >= revisedWord
}

// trimOverlap removes from next the longest leading run of words that
// repeats the tail of prev.
func trimOverlap(prev, next string) string {
	pw := keyWords(prev)
	raw := strings.Fields(next)
	nw := keyWords(next)
	if len(nw) != len(raw) {
		// Punctuation-only tokens; keep next untouched.
		return next
	}
	maxK := min(len(pw), len(nw))
	for k := maxK; k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if pw[len(pw)-k+i] != nw[i] {
				match = false
				break
			}
		}
		if match {
			return strings.Join(raw[k:], " ")
		}
	}
	return next
}
