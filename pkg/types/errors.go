package types

import "errors"

// Error kinds shared by the turn-taking components. Only ErrGenerationFailed
// and ErrInvalidTransition describe real failures; the others name expected
// control-flow outcomes and are never surfaced to the session caller.
var (
	// ErrSignalStale marks a signal older than the freshness window. The
	// signal is ignored.
	ErrSignalStale = errors.New("signal stale")

	// ErrAggregationTimeout marks an utterance finalised by window expiry.
	ErrAggregationTimeout = errors.New("aggregation window expired")

	// ErrGenerationCancelled is the outcome of a cancelled generation.
	ErrGenerationCancelled = errors.New("generation cancelled")

	// ErrGenerationFailed wraps a provider error from the generation stream.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrInvalidTransition marks an illegal turn state transition.
	ErrInvalidTransition = errors.New("invalid turn transition")

	// ErrSessionClosed is returned by session calls made after End.
	ErrSessionClosed = errors.New("session closed")
)
