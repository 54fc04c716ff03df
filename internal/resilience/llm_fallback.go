package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends. Each backend has its own circuit breaker.
//
// A stream counts as established once its first chunk arrives. If that first
// chunk is an error (rate limit, overloaded model), the stream is discarded
// and the next backend is tried; nothing has reached the caller yet. Errors
// after the first chunk are passed through.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// StreamCompletion opens a stream on the first healthy backend whose first
// chunk is not an error.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return openStream(ctx, p, req)
	})
}

// Available returns the backends whose breaker lets calls through.
func (f *LLMFallback) Available() []string { return f.group.Available() }

// Check reports [ErrAllFailed] when every backend's breaker is open. It has
// the signature of a readiness check.
func (f *LLMFallback) Check(context.Context) error {
	if len(f.group.Available()) == 0 {
		return fmt.Errorf("%w: every breaker is open", ErrAllFailed)
	}
	return nil
}

// Capabilities returns the capabilities of the primary.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.Primary().Capabilities()
}

// openStream starts a stream on p and waits for its first chunk.
func openStream(ctx context.Context, p llm.Provider, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	src, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	first, ok := <-src
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// An empty but clean stream is a valid, if useless, answer.
		out := make(chan llm.Chunk)
		close(out)
		return out, nil
	}
	if first.FinishReason == llm.FinishReasonError {
		go drain(src)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New(first.Text)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		pending := &first
		for {
			if pending != nil {
				select {
				case out <- *pending:
				case <-ctx.Done():
					drain(src)
					return
				}
			}
			c, ok := <-src
			if !ok {
				return
			}
			pending = &c
		}
	}()
	return out, nil
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
