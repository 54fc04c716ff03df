package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/turnkeeper/internal/normalize"
	"github.com/MrWong99/turnkeeper/internal/orchestrator"
	"github.com/MrWong99/turnkeeper/pkg/provider/stt"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Script is a timed sequence of input signals replayed into one session.
type Script struct {
	// Session is the session id. Empty means a generated one.
	Session string `yaml:"session"`

	// Linger keeps the session open after the last event so that trailing
	// decisions are still printed.
	Linger time.Duration `yaml:"linger"`

	Events []ScriptEvent `yaml:"events"`
}

// ScriptEvent is one input at an offset from the start of the replay.
// Exactly one of the signal fields must be set.
type ScriptEvent struct {
	At time.Duration `yaml:"at"`

	Transcript *ScriptTranscript `yaml:"transcript"`
	VAD        *ScriptVAD        `yaml:"vad"`
	Prosody    *ScriptProsody    `yaml:"prosody"`
	Score      *float64          `yaml:"score"`
	PlaybackMs *int64            `yaml:"playback_ms"`
}

// ScriptTranscript is a recogniser result as the STT provider reports it.
type ScriptTranscript struct {
	Text       string        `yaml:"text"`
	Final      bool          `yaml:"final"`
	Confidence float64       `yaml:"confidence"`
	Offset     time.Duration `yaml:"offset"`
	Duration   time.Duration `yaml:"duration"`
}

// ScriptVAD is a detector event.
type ScriptVAD struct {
	// Source is "frontend" or "backend".
	Source string `yaml:"source"`

	// Event is "start", "continue" or "end".
	Event       string  `yaml:"event"`
	Probability float64 `yaml:"probability"`
}

// ScriptProsody is an intonation hint.
type ScriptProsody struct {
	// Pitch is "falling", "flat", "rising" or empty.
	Pitch string  `yaml:"pitch"`
	Rate  float64 `yaml:"rate"`
}

// LoadScript reads and validates a replay script.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("script: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseScript(f)
}

// ParseScript decodes and validates a replay script from r.
func ParseScript(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var sc Script
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("script: decode: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that events are ordered and well formed. All problems are
// reported together.
func (sc *Script) Validate() error {
	var errs []error
	if len(sc.Events) == 0 {
		errs = append(errs, errors.New("script: no events"))
	}
	if sc.Linger < 0 {
		errs = append(errs, errors.New("script: linger must not be negative"))
	}
	var prev time.Duration
	for i, ev := range sc.Events {
		if ev.At < prev {
			errs = append(errs, fmt.Errorf("script: event %d: at %v is before the previous event", i, ev.At))
		}
		prev = ev.At

		n := 0
		for _, set := range []bool{ev.Transcript != nil, ev.VAD != nil, ev.Prosody != nil, ev.Score != nil, ev.PlaybackMs != nil} {
			if set {
				n++
			}
		}
		if n != 1 {
			errs = append(errs, fmt.Errorf("script: event %d: want exactly one signal, got %d", i, n))
			continue
		}
		if ev.VAD != nil {
			if _, err := parseSource(ev.VAD.Source); err != nil {
				errs = append(errs, fmt.Errorf("script: event %d: %w", i, err))
			}
			if _, err := parseVADEvent(ev.VAD.Event); err != nil {
				errs = append(errs, fmt.Errorf("script: event %d: %w", i, err))
			}
		}
		if ev.Prosody != nil {
			if _, err := parsePitch(ev.Prosody.Pitch); err != nil {
				errs = append(errs, fmt.Errorf("script: event %d: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Replay submits every event of sc into s at its offset, then waits for
// sc.Linger. It stops early when ctx is cancelled or s ends.
func Replay(ctx context.Context, s *orchestrator.Session, sc *Script, n normalize.Normalizer) error {
	start := time.Now()
	for i, ev := range sc.Events {
		if err := sleepUntil(ctx, s, start.Add(ev.At)); err != nil {
			return err
		}
		if err := apply(s, ev, n, time.Now()); err != nil {
			return fmt.Errorf("script: event %d: %w", i, err)
		}
	}
	return sleepUntil(ctx, s, time.Now().Add(sc.Linger))
}

func sleepUntil(ctx context.Context, s *orchestrator.Session, at time.Time) error {
	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.Done():
		return types.ErrSessionClosed
	case <-t.C:
		return nil
	}
}

func apply(s *orchestrator.Session, ev ScriptEvent, n normalize.Normalizer, now time.Time) error {
	switch {
	case ev.Transcript != nil:
		t := ev.Transcript
		return s.SubmitTranscriptFragment(n.Transcript(stt.Transcript{
			Text:       t.Text,
			IsFinal:    t.Final,
			Confidence: t.Confidence,
			Offset:     t.Offset,
			Duration:   t.Duration,
		}, now))
	case ev.VAD != nil:
		src, err := parseSource(ev.VAD.Source)
		if err != nil {
			return err
		}
		typ, err := parseVADEvent(ev.VAD.Event)
		if err != nil {
			return err
		}
		return s.SubmitVADSignal(normalize.FromVAD(src, vad.VADEvent{Type: typ, Probability: ev.VAD.Probability}, now))
	case ev.Prosody != nil:
		pitch, err := parsePitch(ev.Prosody.Pitch)
		if err != nil {
			return err
		}
		return s.SubmitProsody(types.Prosody{Pitch: pitch, SpeakingRate: ev.Prosody.Rate})
	case ev.Score != nil:
		return s.SubmitExternalScore(*ev.Score)
	case ev.PlaybackMs != nil:
		return s.SubmitPlaybackProgress(*ev.PlaybackMs)
	}
	return errors.New("empty event")
}

func parseSource(s string) (types.VoiceSource, error) {
	switch strings.ToLower(s) {
	case "frontend", "":
		return types.SourceFrontend, nil
	case "backend":
		return types.SourceBackend, nil
	}
	return 0, fmt.Errorf("unknown vad source %q", s)
}

func parseVADEvent(s string) (vad.VADEventType, error) {
	switch strings.ToLower(s) {
	case "start":
		return vad.VADSpeechStart, nil
	case "continue":
		return vad.VADSpeechContinue, nil
	case "end":
		return vad.VADSpeechEnd, nil
	}
	return 0, fmt.Errorf("unknown vad event %q", s)
}

func parsePitch(s string) (types.PitchTrend, error) {
	switch strings.ToLower(s) {
	case "":
		return types.PitchUnknown, nil
	case "falling":
		return types.PitchFalling, nil
	case "flat":
		return types.PitchFlat, nil
	case "rising":
		return types.PitchRising, nil
	}
	return 0, fmt.Errorf("unknown pitch trend %q", s)
}

// formatDecision renders d as one human-readable line.
func formatDecision(d orchestrator.Decision, start time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%7.3fs %-11s", d.At.Sub(start).Seconds(), d.Kind)
	switch d.Kind {
	case orchestrator.DecisionTransition:
		fmt.Fprintf(&b, " %s -> %s", d.From, d.To)
		if d.Recovered {
			b.WriteString(" (recovered)")
		}
	case orchestrator.DecisionBargeIn:
		fmt.Fprintf(&b, " %s conf=%.2f", d.BargeIn.Action, d.BargeIn.Confidence)
		if d.BargeIn.Provisional {
			b.WriteString(" provisional")
		}
		if d.BargeIn.Reason != "" {
			fmt.Fprintf(&b, " reason=%s", d.BargeIn.Reason)
		}
	case orchestrator.DecisionUtterance:
		fmt.Fprintf(&b, " %q verdict=%s score=%.2f", d.Utterance.Text, d.Verdict, d.Score)
	case orchestrator.DecisionTruncation:
		fmt.Fprintf(&b, " spoken=%q at=%dms", d.Truncation.SpokenText, d.Truncation.AudioOffsetMs)
	case orchestrator.DecisionError:
		fmt.Fprintf(&b, " %v", d.Err)
	default:
		if d.Text != "" {
			fmt.Fprintf(&b, " %q", d.Text)
		}
	}
	if d.Reason != "" && d.Kind != orchestrator.DecisionBargeIn {
		fmt.Fprintf(&b, " reason=%s", d.Reason)
	}
	return b.String()
}
