// Package types defines the shared types used across all turnkeeper packages.
//
// These types form the lingua franca between the signal normalizer, the
// turn-taking components, and the orchestrator. Each package defines its own
// working types; data that crosses package boundaries lives here.
package types

import (
	"fmt"
	"time"
)

// VoiceSource identifies which voice activity detector produced a signal.
type VoiceSource int

const (
	// SourceFrontend is the client-side detector running next to the microphone.
	SourceFrontend VoiceSource = iota

	// SourceBackend is the provider-side detector running on the received audio.
	// It hears the AI's own playback when echo leaks into the capture path.
	SourceBackend
)

// String returns the human-readable name of the source.
func (s VoiceSource) String() string {
	switch s {
	case SourceFrontend:
		return "frontend"
	case SourceBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// VoiceState is the binary outcome of a voice activity decision.
type VoiceState int

const (
	// VoiceSilence indicates no speech.
	VoiceSilence VoiceState = iota

	// VoiceSpeech indicates speech is present.
	VoiceSpeech
)

// String returns the human-readable name of the state.
func (s VoiceState) String() string {
	if s == VoiceSpeech {
		return "speech"
	}
	return "silence"
}

// VADSignal is one normalised voice activity decision from either detector.
// Signals are ephemeral: they are consumed immediately and never persisted.
type VADSignal struct {
	// Source is the detector that produced the signal.
	Source VoiceSource

	// State is the detector's speech/silence decision.
	State VoiceState

	// Timestamp is when the decision was made by the producer. Freshness is
	// always judged against this value, never against queue arrival time.
	Timestamp time.Time

	// Confidence is the detector's confidence in State, in [0, 1].
	Confidence float64
}

// WordConfidence is a single recognised word within a [TranscriptFragment].
type WordConfidence struct {
	Word       string
	Confidence float64

	// CharOffset is the byte offset of the word within the fragment text.
	CharOffset int
}

// TranscriptFragment is a normalised partial or final transcript.
type TranscriptFragment struct {
	// Text is the recognised text of this fragment.
	Text string

	// IsFinal is true when the transcript source has committed to this text.
	IsFinal bool

	// StartMs and EndMs locate the fragment on the session audio timeline.
	StartMs int64
	EndMs   int64

	// Words holds per-word confidence in text order. May be nil.
	Words []WordConfidence

	// ReceivedAt is when the fragment entered the core.
	ReceivedAt time.Time
}

// AggregatedUtterance is the result of merging fragments across short pauses.
type AggregatedUtterance struct {
	// Text is the merged utterance text.
	Text string

	// FragmentCount is the number of fragments merged into Text.
	FragmentCount int

	// WindowStart is when the first fragment opened the utterance.
	WindowStart time.Time

	// WindowDeadline is the deadline in force when the utterance was finalised.
	WindowDeadline time.Time

	// LastFragmentAt is the arrival time of the most recent fragment.
	LastFragmentAt time.Time

	// HardFinal is true when a final fragment closed the utterance rather
	// than window expiry.
	HardFinal bool
}

// Prosody is an optional hint about the intonation of the latest speech,
// supplied by the collaborator that owns the audio.
type Prosody struct {
	Pitch PitchTrend

	// SpeakingRate is in words per second. Zero means unknown.
	SpeakingRate float64
}

// PitchTrend describes the pitch contour at the end of an utterance.
type PitchTrend int

const (
	PitchUnknown PitchTrend = iota
	PitchFalling
	PitchFlat
	PitchRising
)

// BargeInAction is the outcome of a barge-in fusion decision.
type BargeInAction int

const (
	// ActionIgnore leaves AI playback untouched. A provisional interrupt
	// that is reversed is downgraded to ActionIgnore (a misfire).
	ActionIgnore BargeInAction = iota

	// ActionInterrupt stops AI playback.
	ActionInterrupt

	// ActionBackchannel marks short listener feedback ("mm-hm") that must
	// not stop playback.
	ActionBackchannel
)

// String returns the human-readable name of the action.
func (a BargeInAction) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionInterrupt:
		return "interrupt"
	case ActionBackchannel:
		return "backchannel"
	default:
		return "unknown"
	}
}

// FusionWeights are the per-source weights used for one barge-in vote.
type FusionWeights struct {
	Frontend float64 `yaml:"frontend"`
	Backend  float64 `yaml:"backend"`
}

// BargeInDecision is an immutable record of one fusion decision.
type BargeInDecision struct {
	Timestamp  time.Time
	Confidence float64
	Weights    FusionWeights
	Action     BargeInAction

	// Provisional is true for an interrupt that is still inside its
	// rollback window and may be downgraded.
	Provisional bool

	// Reason is a short machine-readable tag ("vote", "misfire", "confirmed").
	Reason string
}

// DuplexState tracks concurrent speaking and listening.
// InterruptionAllowed must always equal AISpeaking.
type DuplexState struct {
	AISpeaking          bool
	UserSpeaking        bool
	InterruptionAllowed bool
}

// Valid reports whether the duplex invariant holds.
func (d DuplexState) Valid() bool {
	return d.InterruptionAllowed == d.AISpeaking
}

// TruncationPoint is where an interrupted response was cut.
type TruncationPoint struct {
	// WordIndex is the index of the last fully spoken word, or -1.
	WordIndex int

	// CharOffset is the byte offset in the response text just after the
	// last fully spoken word.
	CharOffset int

	// AudioOffsetMs is the audio position of the end of that word.
	AudioOffsetMs int64

	// SpokenText is the response prefix the user actually heard.
	SpokenText string

	// ContinuationSeed is handed to the next generation so it can resume.
	ContinuationSeed string
}

// GenerationStatus is the lifecycle state of a generation.
type GenerationStatus int

const (
	GenerationRunning GenerationStatus = iota
	GenerationConfirmed
	GenerationDiverged
	GenerationCancelled
	GenerationFailed
	GenerationCompleted
)

// String returns the human-readable name of the status.
func (s GenerationStatus) String() string {
	switch s {
	case GenerationRunning:
		return "running"
	case GenerationConfirmed:
		return "confirmed"
	case GenerationDiverged:
		return "diverged"
	case GenerationCancelled:
		return "cancelled"
	case GenerationFailed:
		return "failed"
	case GenerationCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TurnState is the session-level turn-taking state.
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateAggregating
	StateGenerating
	StateSpeaking
	StateInterrupted
	StateRepairing
)

// String returns the upper-case name of the state.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateAggregating:
		return "AGGREGATING"
	case StateGenerating:
		return "GENERATING"
	case StateSpeaking:
		return "SPEAKING"
	case StateInterrupted:
		return "INTERRUPTED"
	case StateRepairing:
		return "REPAIRING"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}
