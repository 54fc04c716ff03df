// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled token streams without a live
// LLM backend and to observe how many streams are open at once. All fields are
// safe to set before calling any method; mutating them during a concurrent call
// is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "Sunny "}, {Text: "today.", FinishReason: "stop"}},
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel returned
	// by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion instead
	// of starting a channel.
	StreamErr error

	// ChunkDelay is slept before every chunk is sent.
	ChunkDelay time.Duration

	// HoldOpen keeps the stream open after the last chunk until ctx is cancelled.
	HoldOpen bool

	// ReleaseDelay is slept after cancellation before the channel is closed,
	// simulating a slow provider teardown.
	ReleaseDelay time.Duration

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	open    int
	maxOpen int
}

// StreamCompletion records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay, hold, release := p.ChunkDelay, p.HoldOpen, p.ReleaseDelay
	p.open++
	if p.open > p.maxOpen {
		p.maxOpen = p.open
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer func() {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			close(ch)
		}()
		cancelled := func() {
			if release > 0 {
				time.Sleep(release)
			}
		}
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					cancelled()
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				cancelled()
				return
			case ch <- c:
			}
		}
		if hold {
			<-ctx.Done()
			cancelled()
		}
	}()
	return ch, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded StreamCompletion calls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Open returns the number of streams that have not closed yet. Thread-safe.
func (p *Provider) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// MaxOpen returns the highest number of simultaneously open streams observed.
func (p *Provider) MaxOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
