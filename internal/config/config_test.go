package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9100"
  log_level: debug

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  fallback_llm:
    - name: ollama
      model: llama3.2
  tts:
    name: pace
    options:
      per_char: 60ms
  voice:
    id: narrator
    name: Narrator
    speed_factor: 1.1

turn:
  completion:
    language: de
    complete_threshold: 0.75
  aggregation:
    base_window: 1500ms
    max_hold: 6s
  barge_in:
    interrupt_threshold: 0.55
    rollback_window: 400ms
    ai_speaking_weights:
      frontend: 0.8
      backend: 0.2
  speculation:
    disabled: true
  duplex:
    hangover: 300ms
  repair:
    confidence_threshold: 0.65
    prompt: "Go on."
  output:
    decision_buffer: 16
  history_turns: 4
  system_prompt: "Be brief."
`

// ── Load ─────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9100" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" || len(cfg.Providers.FallbackLLM) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers.TTS.Options["per_char"] != "60ms" {
		t.Errorf("tts options = %v", cfg.Providers.TTS.Options)
	}
	if cfg.Providers.Voice.SpeedFactor != 1.1 {
		t.Errorf("voice speed = %v", cfg.Providers.Voice.SpeedFactor)
	}

	turn := cfg.Turn
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"completion.language", turn.Completion.Language, "de"},
		{"completion.complete_threshold", turn.Completion.CompleteThreshold, 0.75},
		{"completion.uncertain_threshold default", turn.Completion.UncertainThreshold, 0.4},
		{"aggregation.base_window", turn.Aggregation.BaseWindow, 1500 * time.Millisecond},
		{"aggregation.extension_window default", turn.Aggregation.ExtensionWindow, time.Second},
		{"aggregation.max_hold", turn.Aggregation.MaxHold, 6 * time.Second},
		{"barge_in.interrupt_threshold", turn.BargeIn.InterruptThreshold, 0.55},
		{"barge_in.rollback_window", turn.BargeIn.RollbackWindow, 400 * time.Millisecond},
		{"barge_in.ai_speaking_weights.frontend", turn.BargeIn.AISpeaking.Frontend, 0.8},
		{"barge_in.idle_weights default", turn.BargeIn.Idle.Frontend, 0.5},
		{"speculation.disabled", turn.Speculation.Disabled, true},
		{"speculation.similarity_threshold default", turn.Speculation.SimilarityThreshold, 0.85},
		{"duplex.hangover", turn.Duplex.Hangover, 300 * time.Millisecond},
		{"repair.confidence_threshold", turn.Repair.ConfidenceThreshold, 0.65},
		{"repair.prompt", turn.Repair.Prompt, "Go on."},
		{"repair.failure_prompt default", turn.Repair.FailurePrompt, config.DefaultFailurePrompt},
		{"output.decision_buffer", turn.Output.DecisionBuffer, 16},
		{"output.audio_buffer default", turn.Output.AudioBuffer, 32},
		{"history_turns", turn.HistoryTurns, 4},
		{"system_prompt", turn.SystemPrompt, "Be brief."},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.TTS.Name != "pace" {
		t.Errorf("tts = %q, want pace", cfg.Providers.TTS.Name)
	}
	if cfg.Turn != config.DefaultTurnConfig() {
		t.Errorf("turn defaults differ:\n got %+v\nwant %+v", cfg.Turn, config.DefaultTurnConfig())
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("turn:\n  barge_inn:\n    staleness: 1s\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("error = %v, want decode error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/turnkeeper.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("verbose should be invalid")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

type stubLLM struct{ model string }

func (s stubLLM) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (s stubLLM) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

type stubTTS struct{}

func (stubTTS) SynthesizeStream(context.Context, <-chan string, tts.VoiceProfile) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (stubTTS) Format() tts.AudioFormat { return tts.DefaultFormat }

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	r.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return stubLLM{model: e.Model}, nil
	})
	r.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) {
		return stubTTS{}, nil
	})

	p, err := r.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p.(stubLLM).model != "m1" {
		t.Errorf("factory did not receive the entry")
	}
	if _, err := r.CreateTTS(config.ProviderEntry{Name: "stub"}); err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}

	_, err = r.CreateLLM(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM(missing) err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateTTS(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS(missing) err = %v, want ErrProviderNotRegistered", err)
	}
}
