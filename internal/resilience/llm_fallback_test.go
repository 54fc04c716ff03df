package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnkeeper/pkg/provider/llm/mock"
)

func collectText(ch <-chan llm.Chunk) string {
	var sb strings.Builder
	for c := range ch {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()

	ok := func(text string) *llmmock.Provider {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: text}, {FinishReason: "stop"}}}
	}
	tests := []struct {
		name      string
		primary   *llmmock.Provider
		secondary *llmmock.Provider
		want      string
		wantErr   error
	}{
		{
			name:      "primary succeeds",
			primary:   ok("from primary"),
			secondary: ok("from secondary"),
			want:      "from primary",
		},
		{
			name:      "open error fails over",
			primary:   &llmmock.Provider{StreamErr: errors.New("connection refused")},
			secondary: ok("from secondary"),
			want:      "from secondary",
		},
		{
			name:      "first chunk error fails over",
			primary:   &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "429 rate limited", FinishReason: llm.FinishReasonError}}},
			secondary: ok("from secondary"),
			want:      "from secondary",
		},
		{
			name:      "all fail",
			primary:   &llmmock.Provider{StreamErr: errors.New("down")},
			secondary: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "overloaded", FinishReason: llm.FinishReasonError}}},
			wantErr:   ErrAllFailed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := NewLLMFallback(tc.primary, "primary", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("secondary", tc.secondary)

			ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: "user", Content: "hi"}},
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if got := collectText(ch); got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLLMFallback_MidStreamErrorPassesThrough(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "It's "},
		{Text: "connection reset", FinishReason: llm.FinishReasonError},
	}}
	secondary := &llmmock.Provider{}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError {
		t.Errorf("last chunk = %+v, want the error chunk", last)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary called %d times, want 0", n)
	}
}

func TestLLMFallback_CancelReleasesStream(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "a"}, {Text: "b"}}, HoldOpen: true}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := fb.StreamCompletion(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
	if primary.Open() != 0 {
		t.Errorf("provider still has %d open streams", primary.Open())
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000}}
	secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8000}}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if got := fb.Capabilities().ContextWindow; got != 128000 {
		t.Errorf("ContextWindow = %d, want primary's 128000", got)
	}
}

func TestLLMFallback_Check(t *testing.T) {
	t.Parallel()

	failing := &llmmock.Provider{StreamErr: errors.New("overloaded")}
	f := NewLLMFallback(failing, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if err := f.Check(context.Background()); err != nil {
		t.Fatalf("fresh chain: %v", err)
	}

	if _, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected the failing primary to error")
	}
	if err := f.Check(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("want ErrAllFailed with the only breaker open, got %v", err)
	}

	f.AddFallback("secondary", &llmmock.Provider{})
	if err := f.Check(context.Background()); err != nil {
		t.Fatalf("healthy fallback available: %v", err)
	}
	if got := f.Names(); len(got) != 2 {
		t.Errorf("names = %v", got)
	}
}
