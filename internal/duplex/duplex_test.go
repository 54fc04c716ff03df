package duplex

import (
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestSetAISpeaking_KeepsInvariant(t *testing.T) {
	t.Parallel()

	m := New(0)
	for _, on := range []bool{true, false, true, true, false} {
		m.SetAISpeaking(on)
		s := m.Snapshot()
		if s.AISpeaking != on || !s.Valid() || !m.Valid() {
			t.Fatalf("SetAISpeaking(%v) -> %+v", on, s)
		}
	}
}

func TestObserveVAD_Hangover(t *testing.T) {
	t.Parallel()

	m := New(400 * time.Millisecond)
	speech := types.VADSignal{Source: types.SourceFrontend, State: types.VoiceSpeech, Confidence: 0.9, Timestamp: at(0)}
	if check := m.ObserveVAD(speech, at(0)); !check.IsZero() {
		t.Errorf("speech should not schedule a check, got %v", check)
	}
	if !m.Snapshot().UserSpeaking {
		t.Fatal("user not speaking after speech signal")
	}

	backend := types.VADSignal{Source: types.SourceBackend, State: types.VoiceSpeech, Confidence: 0.6, Timestamp: at(100)}
	m.ObserveVAD(backend, at(100))

	silF := types.VADSignal{Source: types.SourceFrontend, State: types.VoiceSilence, Confidence: 0.9, Timestamp: at(200)}
	if check := m.ObserveVAD(silF, at(200)); !check.IsZero() {
		t.Errorf("backend still speaking, no check expected, got %v", check.Sub(t0))
	}
	silB := types.VADSignal{Source: types.SourceBackend, State: types.VoiceSilence, Confidence: 0.9, Timestamp: at(250)}
	check := m.ObserveVAD(silB, at(250))
	if !check.Equal(at(500)) {
		t.Fatalf("check at %v, want 500ms (last speech + hangover)", check.Sub(t0))
	}
	if !m.Snapshot().UserSpeaking {
		t.Error("cleared before hangover")
	}

	if next := m.Tick(at(499)); !next.Equal(at(500)) {
		t.Errorf("early tick returned %v", next.Sub(t0))
	}
	if next := m.Tick(at(500)); !next.IsZero() {
		t.Errorf("tick at hangover returned %v", next.Sub(t0))
	}
	if m.Snapshot().UserSpeaking {
		t.Error("user still speaking after hangover")
	}
}

func TestTick_SpeechResumed(t *testing.T) {
	t.Parallel()

	m := New(300 * time.Millisecond)
	m.ObserveVAD(types.VADSignal{Source: types.SourceFrontend, State: types.VoiceSpeech, Timestamp: at(0)}, at(0))
	m.ObserveVAD(types.VADSignal{Source: types.SourceFrontend, State: types.VoiceSilence, Timestamp: at(100)}, at(100))
	m.ObserveVAD(types.VADSignal{Source: types.SourceFrontend, State: types.VoiceSpeech, Timestamp: at(200)}, at(200))

	if next := m.Tick(at(300)); !next.IsZero() {
		t.Errorf("tick during speech returned %v", next.Sub(t0))
	}
	if !m.Snapshot().UserSpeaking {
		t.Error("speech resumed but user not speaking")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	m := New(0)
	m.SetAISpeaking(true)
	m.ObserveVAD(types.VADSignal{State: types.VoiceSpeech, Timestamp: at(0)}, at(0))
	m.Reset()
	if s := m.Snapshot(); s != (types.DuplexState{}) {
		t.Errorf("state after reset = %+v", s)
	}
	if m.Hangover() != DefaultHangover {
		t.Errorf("hangover = %v, want default", m.Hangover())
	}
}
