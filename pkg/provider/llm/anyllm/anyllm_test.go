package anyllm

import (
	"testing"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   llm.Message
	}{
		{"system", llm.Message{Role: "system", Content: "Be brief."}},
		{"user", llm.Message{Role: "user", Content: "What's the weather today"}},
		{"assistant", llm.Message{Role: "assistant", Content: "Sunny and"}},
		{"named", llm.Message{Role: "user", Content: "Hi", Name: "caller"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := convertMessage(tt.in)
			if got.Role != tt.in.Role {
				t.Errorf("role = %q, want %q", got.Role, tt.in.Role)
			}
			if got.ContentString() != tt.in.Content {
				t.Errorf("content = %q, want %q", got.ContentString(), tt.in.Content)
			}
			if got.Name != tt.in.Name {
				t.Errorf("name = %q, want %q", got.Name, tt.in.Name)
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages:     []llm.Message{{Role: "user", Content: "hello"}},
		Temperature:  0.4,
		MaxTokens:    120,
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature not propagated: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 120 {
		t.Errorf("max tokens not propagated: %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if params.Temperature != nil {
		t.Errorf("temperature should be nil, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("max tokens should be nil, got %v", *params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(params.Messages))
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model         string
		contextWindow int
		maxOutput     int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"mystery-model", 128_000, 4_096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.contextWindow {
				t.Errorf("context window = %d, want %d", caps.ContextWindow, tt.contextWindow)
			}
			if caps.MaxOutputTokens != tt.maxOutput {
				t.Errorf("max output = %d, want %d", caps.MaxOutputTokens, tt.maxOutput)
			}
			if !caps.SupportsStreaming {
				t.Error("expected streaming support")
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-backend", "m"); err == nil {
		t.Error("expected error for unsupported backend")
	}
}
