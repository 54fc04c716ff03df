// Package duplex tracks whether the AI and the user are speaking at the same
// time.
package duplex

import (
	"time"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

// DefaultHangover is the continuous silence after which the user is no
// longer considered speaking.
const DefaultHangover = 400 * time.Millisecond

// Manager owns one session's [types.DuplexState]. It is mutated only from
// the session's event loop and is not safe for concurrent use.
type Manager struct {
	state    types.DuplexState
	hangover time.Duration

	// lastSpeech is the newest speech timestamp from either source.
	lastSpeech time.Time
	speechSrc  [2]bool
}

// New returns a Manager with the given hangover (zero means the default).
func New(hangover time.Duration) *Manager {
	if hangover <= 0 {
		hangover = DefaultHangover
	}
	return &Manager{hangover: hangover}
}

// Hangover returns the configured hangover interval.
func (m *Manager) Hangover() time.Duration { return m.hangover }

// SetAISpeaking records whether the AI is producing audio. InterruptionAllowed
// is written in the same step so the two can never disagree.
func (m *Manager) SetAISpeaking(on bool) {
	m.state.AISpeaking = on
	m.state.InterruptionAllowed = on
}

// ObserveVAD applies a fresh VAD signal. Speech from either source marks the
// user as speaking immediately. Silence only clears it once both sources are
// silent and the hangover has elapsed; the caller should call [Manager.Tick]
// at the returned time to complete the check. A zero time means no check is
// needed.
func (m *Manager) ObserveVAD(sig types.VADSignal, now time.Time) (checkAt time.Time) {
	idx := 0
	if sig.Source == types.SourceBackend {
		idx = 1
	}
	if sig.State == types.VoiceSpeech {
		m.speechSrc[idx] = true
		if sig.Timestamp.After(m.lastSpeech) {
			m.lastSpeech = sig.Timestamp
		}
		m.state.UserSpeaking = true
		return time.Time{}
	}
	m.speechSrc[idx] = false
	if !m.state.UserSpeaking || m.speechSrc[0] || m.speechSrc[1] {
		return time.Time{}
	}
	return m.Tick(now)
}

// Tick clears UserSpeaking if both sources have been silent for the hangover.
// It returns the time of the next needed check, or zero.
func (m *Manager) Tick(now time.Time) time.Time {
	if !m.state.UserSpeaking || m.speechSrc[0] || m.speechSrc[1] {
		return time.Time{}
	}
	until := m.lastSpeech.Add(m.hangover)
	if now.Before(until) {
		return until
	}
	m.state.UserSpeaking = false
	return time.Time{}
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() types.DuplexState { return m.state }

// Valid reports whether the state invariant holds.
func (m *Manager) Valid() bool { return m.state.Valid() }

// Reset clears all state.
func (m *Manager) Reset() {
	m.state = types.DuplexState{}
	m.lastSpeech = time.Time{}
	m.speechSrc = [2]bool{}
}
