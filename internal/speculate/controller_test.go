package speculate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm/mock"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

func newTestController(t *testing.T, p *mock.Provider, cfg Config) (*Controller, <-chan Event) {
	t.Helper()
	events := make(chan Event, 128)
	c := NewController(NewProviderGenerator(p), cfg, func(e Event) { events <- e })
	t.Cleanup(func() {
		c.Cancel()
	})
	return c, events
}

// waitDone drains events until the Done event of generation id arrives.
func waitDone(t *testing.T, events <-chan Event, id string) (tokens string, err error) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.GenerationID != id {
				continue
			}
			if e.Done {
				return tokens, e.Err
			}
			tokens += e.Token
		case <-timeout:
			t.Fatalf("timed out waiting for generation %s", id)
		}
	}
}

// waitCalls waits until p has seen want streams. Generate runs on the
// generation goroutine, so the call may land after Speculate returns.
func waitCalls(t *testing.T, p *mock.Provider, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Calls()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("got %d streams, want %d", len(p.Calls()), want)
		}
		time.Sleep(time.Millisecond)
	}
	if n := len(p.Calls()); n != want {
		t.Fatalf("got %d streams, want %d", n, want)
	}
}

func TestController_ReusesConfirmedSpeculation(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "It's sunny "}, {Text: "today."}},
		HoldOpen:     true,
	}
	c, _ := newTestController(t, p, Config{})

	spec, started := c.Speculate(context.Background(), Request{Utterance: "What's the weather"})
	if !started {
		t.Fatal("expected speculation to start")
	}
	res := c.Commit(context.Background(), Request{Utterance: "What's the weather today"})

	if !res.Reused || res.Diverged {
		t.Fatalf("Reused=%v Diverged=%v, want reuse", res.Reused, res.Diverged)
	}
	if res.ID != spec.ID {
		t.Errorf("committed id %s, want speculative id %s", res.ID, spec.ID)
	}
	if res.Status != types.GenerationConfirmed || res.Speculative {
		t.Errorf("status=%v speculative=%v", res.Status, res.Speculative)
	}
	waitCalls(t, p, 1)
}

func TestController_DivergedSpeculationRestarts(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Booked."}}, HoldOpen: true}
	c, _ := newTestController(t, p, Config{})

	spec, _ := c.Speculate(context.Background(), Request{Utterance: "Book a table in Paris"})
	res := c.Commit(context.Background(), Request{Utterance: "Book a table in Berlin"})

	if res.Reused || !res.Diverged {
		t.Fatalf("Reused=%v Diverged=%v, want divergence", res.Reused, res.Diverged)
	}
	if res.ID == spec.ID {
		t.Error("expected a fresh generation id")
	}
	waitCalls(t, p, 2)
	if got := p.MaxOpen(); got != 1 {
		t.Errorf("MaxOpen = %d, want 1", got)
	}
	if c.RunningCount() != 1 {
		t.Errorf("RunningCount = %d, want 1", c.RunningCount())
	}
}

func TestController_SingleActiveGeneration(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{HoldOpen: true}
	c, _ := newTestController(t, p, Config{})

	seeds := []string{"what", "what is", "what is the", "what is the time"}
	for _, s := range seeds {
		c.Speculate(context.Background(), Request{Utterance: s})
		if c.RunningCount() != 1 {
			t.Fatalf("after %q: RunningCount = %d, want 1", s, c.RunningCount())
		}
	}
	if got := p.MaxOpen(); got != 1 {
		t.Errorf("MaxOpen = %d, want 1", got)
	}
	if got := c.Inflight(); got != 1 {
		t.Errorf("Inflight = %d, want 1", got)
	}
}

func TestController_SameSeedDoesNotRestart(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{HoldOpen: true}
	c, _ := newTestController(t, p, Config{})

	first, _ := c.Speculate(context.Background(), Request{Utterance: "what is the time"})
	again, started := c.Speculate(context.Background(), Request{Utterance: "What is the time?"})
	if started {
		t.Error("expected identical seed not to restart")
	}
	if again.ID != first.ID {
		t.Errorf("id changed: %s -> %s", first.ID, again.ID)
	}
	waitCalls(t, p, 1)
}

func TestController_Disabled(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "hi"}}}
	c, events := newTestController(t, p, Config{Disabled: true})

	if _, started := c.Speculate(context.Background(), Request{Utterance: "hello"}); started {
		t.Fatal("speculation started while disabled")
	}
	res := c.Commit(context.Background(), Request{Utterance: "hello"})
	if res.Reused || res.Diverged {
		t.Errorf("Reused=%v Diverged=%v for a plain commit", res.Reused, res.Diverged)
	}
	text, err := waitDone(t, events, res.ID)
	if err != nil || text != "hi" {
		t.Errorf("got %q, %v", text, err)
	}
}

func TestController_TokensAndCompletion(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "It's "}, {Text: "sunny."}, {FinishReason: "stop"}}}
	c, events := newTestController(t, p, Config{})

	res := c.Commit(context.Background(), Request{Utterance: "weather?"})
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-events:
			if e.Done {
				if _, ok := c.OnDone(e.GenerationID, e.Err); !ok {
					t.Fatal("OnDone rejected active generation")
				}
				done = true
				continue
			}
			if _, ok := c.OnToken(e.GenerationID, e.Token); !ok {
				t.Fatal("OnToken rejected active generation")
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}

	info, ok := c.Active()
	if !ok || info.ID != res.ID {
		t.Fatal("expected committed generation to stay active until Clear")
	}
	if info.Buffered != "It's sunny." || info.Status != types.GenerationCompleted {
		t.Errorf("Buffered=%q Status=%v", info.Buffered, info.Status)
	}
	c.Clear()
	if _, ok := c.Active(); ok {
		t.Error("Clear did not forget a finished generation")
	}
}

func TestController_StaleEventsRejected(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{HoldOpen: true}
	c, _ := newTestController(t, p, Config{})

	old, _ := c.Speculate(context.Background(), Request{Utterance: "one"})
	c.Speculate(context.Background(), Request{Utterance: "one two"})

	if _, ok := c.OnToken(old.ID, "late"); ok {
		t.Error("token of a superseded generation was accepted")
	}
	if _, ok := c.OnDone(old.ID, nil); ok {
		t.Error("done of a superseded generation was accepted")
	}
}

func TestController_FailureReported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *mock.Provider
	}{
		{name: "stream error chunk", p: &mock.Provider{StreamChunks: []llm.Chunk{{Text: "partial "}, {Text: "rate limited", FinishReason: llm.FinishReasonError}}}},
		{name: "start error", p: &mock.Provider{StreamErr: errors.New("connection refused")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, events := newTestController(t, tc.p, Config{})
			res := c.Commit(context.Background(), Request{Utterance: "hi"})
			_, err := waitDone(t, events, res.ID)
			if !errors.Is(err, types.ErrGenerationFailed) {
				t.Fatalf("err = %v, want ErrGenerationFailed", err)
			}
			info, _ := c.OnDone(res.ID, err)
			if info.Status != types.GenerationFailed {
				t.Errorf("Status = %v, want failed", info.Status)
			}
		})
	}
}

func TestController_CancelReportsCancelled(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{HoldOpen: true}
	c, events := newTestController(t, p, Config{})

	res := c.Commit(context.Background(), Request{Utterance: "tell me a story"})
	c.Cancel()

	_, err := waitDone(t, events, res.ID)
	if !errors.Is(err, types.ErrGenerationCancelled) {
		t.Errorf("err = %v, want ErrGenerationCancelled", err)
	}
	if c.Inflight() != 0 {
		t.Errorf("Inflight = %d after cancel, want 0", c.Inflight())
	}
	if p.Open() != 0 {
		t.Errorf("provider has %d open streams after cancel", p.Open())
	}
}

func TestController_CancelGraceLeak(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{HoldOpen: true, ReleaseDelay: 300 * time.Millisecond}
	c, _ := newTestController(t, p, Config{CancelGrace: 20 * time.Millisecond})

	c.Commit(context.Background(), Request{Utterance: "slow"})
	start := time.Now()
	c.Cancel()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Cancel blocked for %v, want about CancelGrace", elapsed)
	}
	if c.Leaks() != 1 {
		t.Errorf("Leaks = %d, want 1", c.Leaks())
	}
	if c.Inflight() != 1 {
		t.Errorf("Inflight = %d while provider is still releasing, want 1", c.Inflight())
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Inflight() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Inflight() != 0 {
		t.Error("generation never released")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Config{MaxExtraWords: 5}.WithDefaults()
	if got.MaxExtraWords != 5 || got.SimilarityThreshold != 0.85 || got.CancelGrace != 250*time.Millisecond {
		t.Errorf("WithDefaults = %+v", got)
	}
}
