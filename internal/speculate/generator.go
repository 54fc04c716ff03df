package speculate

import (
	"context"
	"strings"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
)

// Request is the input of one generation.
type Request struct {
	// Utterance is the user text the response answers.
	Utterance string

	// History is the conversation so far, oldest first, excluding Utterance.
	History []llm.Message

	// Continuation is set after an interruption: the text the user actually
	// heard plus an instruction on how to resume.
	Continuation string

	// SystemPrompt overrides the generator's own system prompt when set.
	SystemPrompt string
}

// Generator produces a cancellable token stream for a request. Cancelling
// ctx stops the generation; the returned channel is closed once the
// underlying stream has been released.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan llm.Chunk, error)
}

// GeneratorFunc adapts a function to [Generator].
type GeneratorFunc func(ctx context.Context, req Request) (<-chan llm.Chunk, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (<-chan llm.Chunk, error) {
	return f(ctx, req)
}

// ProviderGenerator turns requests into streaming completions on an
// [llm.Provider].
type ProviderGenerator struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
}

var _ Generator = (*ProviderGenerator)(nil)

// GeneratorOption configures a [ProviderGenerator].
type GeneratorOption func(*ProviderGenerator)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(s string) GeneratorOption {
	return func(g *ProviderGenerator) { g.systemPrompt = s }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GeneratorOption {
	return func(g *ProviderGenerator) { g.temperature = t }
}

// WithMaxTokens caps response length. Spoken answers should stay short.
func WithMaxTokens(n int) GeneratorOption {
	return func(g *ProviderGenerator) { g.maxTokens = n }
}

// NewProviderGenerator returns a Generator backed by p.
func NewProviderGenerator(p llm.Provider, opts ...GeneratorOption) *ProviderGenerator {
	g := &ProviderGenerator{provider: p}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate implements [Generator].
func (g *ProviderGenerator) Generate(ctx context.Context, req Request) (<-chan llm.Chunk, error) {
	return g.provider.StreamCompletion(ctx, g.buildRequest(req))
}

// buildRequest assembles the completion request. A continuation is added to
// the system prompt so the model sees it as an instruction, not as speech.
func (g *ProviderGenerator) buildRequest(req Request) llm.CompletionRequest {
	var sb strings.Builder
	if req.SystemPrompt != "" {
		sb.WriteString(req.SystemPrompt)
	} else {
		sb.WriteString(g.systemPrompt)
	}
	if req.Continuation != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(req.Continuation)
	}

	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Utterance})

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     msgs,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
	}
}
