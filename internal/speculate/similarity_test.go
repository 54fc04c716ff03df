package speculate

import "testing"

func TestReconcile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		seed      string
		final     string
		wantOK    bool
		wantExtra int
	}{
		{name: "identical", seed: "What's the weather", final: "what's the weather?", wantOK: true},
		{name: "one extra word", seed: "What's the weather", final: "What's the weather today", wantOK: true, wantExtra: 1},
		{name: "stt correction", seed: "what's the wether", final: "what's the weather", wantOK: true},
		{name: "different city", seed: "Book a table in Paris", final: "Book a table in Berlin"},
		{name: "too many extra words", seed: "tell me", final: "tell me about the history of rome please", wantExtra: 6},
		{name: "final shorter than seed", seed: "what is the time in", final: "what is", wantExtra: -3},
		{name: "empty seed", seed: "", final: "hello", wantExtra: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := Reconcile(tc.seed, tc.final, 0.85, 3)
			if m.Confirmed != tc.wantOK {
				t.Errorf("Confirmed = %v, want %v (similarity %.3f)", m.Confirmed, tc.wantOK, m.Similarity)
			}
			if m.ExtraWords != tc.wantExtra {
				t.Errorf("ExtraWords = %d, want %d", m.ExtraWords, tc.wantExtra)
			}
		})
	}
}

func TestSameText(t *testing.T) {
	t.Parallel()
	if !sameText("What's the weather?", "what's the  weather") {
		t.Error("expected punctuation and case to be ignored")
	}
	if sameText("what's the weather", "what's the weather today") {
		t.Error("expected different word counts to differ")
	}
}
