// Package vad defines the event type emitted by Voice Activity Detection
// backends.
//
// The turn-taking core consumes VAD decisions, never raw audio: a frame-level
// detector (Silero, WebRTC VAD, an in-browser model) runs next to the audio and
// reports one [VADEvent] per decision. Two independent detectors feed each
// session, one on the client and one on the provider side, and the signal
// normalizer tags every event with its source and a timestamp.
package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// IsSpeech reports whether the event type describes active speech.
func (t VADEventType) IsSpeech() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}

// String returns the snake_case name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
