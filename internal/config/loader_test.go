package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/turnkeeper/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "thresholds inverted",
			yaml:    "turn:\n  completion:\n    complete_threshold: 0.3\n    uncertain_threshold: 0.5\n",
			wantErr: "uncertain_threshold",
		},
		{
			name:    "threshold out of range",
			yaml:    "turn:\n  completion:\n    complete_threshold: 1.5\n",
			wantErr: "turn.completion thresholds",
		},
		{
			name:    "max hold below base window",
			yaml:    "turn:\n  aggregation:\n    base_window: 3s\n    max_hold: 2s\n",
			wantErr: "max_hold",
		},
		{
			name:    "backchannel above interrupt",
			yaml:    "turn:\n  barge_in:\n    interrupt_threshold: 0.4\n    backchannel_threshold: 0.5\n",
			wantErr: "turn.barge_in",
		},
		{
			name:    "negative weights",
			yaml:    "turn:\n  barge_in:\n    idle_weights:\n      frontend: -1\n      backend: 0.5\n",
			wantErr: "idle_weights",
		},
		{
			name:    "similarity out of range",
			yaml:    "turn:\n  speculation:\n    similarity_threshold: 1.2\n",
			wantErr: "similarity_threshold",
		},
		{
			name:    "repair threshold out of range",
			yaml:    "turn:\n  repair:\n    confidence_threshold: 2\n",
			wantErr: "confidence_threshold",
		},
		{
			name:    "speed factor",
			yaml:    "providers:\n  voice:\n    speed_factor: 3\n",
			wantErr: "speed_factor",
		},
		{
			name:    "fallback without primary",
			yaml:    "providers:\n  fallback_llm:\n    - name: ollama\n",
			wantErr: "requires providers.llm",
		},
		{
			name:    "fallback without name",
			yaml:    "providers:\n  llm:\n    name: openai\n  fallback_llm:\n    - model: x\n",
			wantErr: "fallback_llm[0].name",
		},
		{
			name:    "negative history",
			yaml:    "turn:\n  history_turns: -1\n",
			wantErr: "history_turns",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
turn:
  speculation:
    similarity_threshold: 5
  repair:
    confidence_threshold: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "similarity_threshold", "confidence_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error is missing %q: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := "providers:\n  llm:\n    name: my-private-llm\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider name should only warn, got %v", err)
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: ":1234", LogLevel: config.LogWarn},
		Turn:   config.TurnConfig{HistoryTurns: 2},
	}
	config.ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != ":1234" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server overwritten: %+v", cfg.Server)
	}
	if cfg.Turn.HistoryTurns != 2 {
		t.Errorf("history_turns = %d, want 2", cfg.Turn.HistoryTurns)
	}
	if cfg.Turn.Repair.FrustrationInterrupts != 3 {
		t.Errorf("frustration_interrupts = %d, want 3", cfg.Turn.Repair.FrustrationInterrupts)
	}
}
