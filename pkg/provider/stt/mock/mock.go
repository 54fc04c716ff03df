// Package mock provides a test double for the stt.SessionHandle interface.
//
// Callers pre-populate PartialsCh and FinalsCh with the Transcript values they
// want the consumer to receive, then close them when done.
//
// Example:
//
//	sess := mock.NewSession(4)
//	sess.PartialsCh <- stt.Transcript{Text: "what's the"}
//	close(sess.PartialsCh)
package mock

import (
	"sync"

	"github.com/MrWong99/turnkeeper/pkg/provider/stt"
)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own this channel.
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals(). Callers own this channel.
	FinalsCh chan stt.Transcript

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose channels have the given buffer size.
func NewSession(buf int) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, buf),
		FinalsCh:   make(chan stt.Transcript, buf),
	}
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
