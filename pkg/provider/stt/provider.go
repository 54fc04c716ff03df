// Package stt defines the narrow interface through which the turn-taking core
// consumes a streaming Speech-to-Text backend.
//
// The concrete provider client (Deepgram, Whisper, a browser recogniser) lives
// outside this module. Whatever it is, it surfaces two streams of [Transcript]
// values (low-latency partials and authoritative finals) and the session
// manager pumps both into a turn session through the signal normalizer.
//
// Implementations must be safe for concurrent use. Transcript output channels
// are goroutine-safe by construction.
package stt

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
type SessionHandle interface {
	// Partials returns a read-only channel that emits interim Transcript values
	// as the provider makes preliminary guesses. Partials drive speculative
	// generation but are never treated as the user's final words.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits Transcript values once the
	// provider has committed to a recognition result.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Close terminates the session and releases all associated resources. After
	// Close returns, the Partials and Finals channels will be closed. Calling
	// Close more than once is safe and returns nil.
	Close() error
}
