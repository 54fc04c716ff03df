// Package config provides the configuration schema, loader, and provider
// registry for the turnkeeper server.
package config

import (
	"time"

	"github.com/MrWong99/turnkeeper/internal/aggregate"
	"github.com/MrWong99/turnkeeper/internal/bargein"
	"github.com/MrWong99/turnkeeper/internal/completion"
	"github.com/MrWong99/turnkeeper/internal/duplex"
	"github.com/MrWong99/turnkeeper/internal/speculate"
	"github.com/MrWong99/turnkeeper/internal/truncate"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

// LogLevel controls log verbosity for the turnkeeper server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for turnkeeper.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Turn      TurnConfig      `yaml:"turn"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the metrics endpoint (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for
// generation and synthesis. Each entry selects a named provider registered
// in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// FallbackLLM lists providers tried in order when LLM fails.
	FallbackLLM []ProviderEntry `yaml:"fallback_llm"`

	TTS ProviderEntry `yaml:"tts"`

	// Voice is the voice profile used for every response.
	Voice tts.VoiceProfile `yaml:"voice"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "pace").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// TurnConfig holds every turn-taking tunable. A session reads it once at
// start; reloads only affect sessions started afterwards.
type TurnConfig struct {
	Completion  completion.Params `yaml:"completion"`
	Aggregation aggregate.Config  `yaml:"aggregation"`
	BargeIn     bargein.Config    `yaml:"barge_in"`
	Speculation speculate.Config  `yaml:"speculation"`
	Duplex      DuplexConfig      `yaml:"duplex"`
	Truncation  truncate.Config   `yaml:"truncation"`
	Repair      RepairConfig      `yaml:"repair"`
	Output      OutputConfig      `yaml:"output"`

	// HistoryTurns bounds the conversation history sent to the model, in
	// user/assistant message pairs.
	HistoryTurns int `yaml:"history_turns"`

	// SystemPrompt is sent with every generation.
	SystemPrompt string `yaml:"system_prompt"`
}

// DuplexConfig configures the duplex state manager.
type DuplexConfig struct {
	// Hangover is the silence after which the user stops counting as speaking.
	Hangover time.Duration `yaml:"hangover"`
}

// RepairConfig controls when an interruption leads to a repair prompt.
type RepairConfig struct {
	// ConfidenceThreshold: interruptions decided with lower confidence are
	// treated as ambiguous and repaired.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// FrustrationInterrupts within FrustrationWindow mark the user as
	// frustrated.
	FrustrationInterrupts int           `yaml:"frustration_interrupts"`
	FrustrationWindow     time.Duration `yaml:"frustration_window"`

	// IgnoreCues disables frustration detection from cue words.
	IgnoreCues bool `yaml:"ignore_cues"`

	Prompt            string `yaml:"prompt"`
	FrustrationPrompt string `yaml:"frustration_prompt"`
	FailurePrompt     string `yaml:"failure_prompt"`
}

// OutputConfig sizes the per-session output streams.
type OutputConfig struct {
	// DecisionBuffer bounds the decision stream. When full, the oldest
	// non-critical event is dropped.
	DecisionBuffer int `yaml:"decision_buffer"`

	// AudioBuffer is the capacity of the audio channel.
	AudioBuffer int `yaml:"audio_buffer"`
}

// Defaults for values without a component-level default.
const (
	DefaultListenAddr   = ":9090"
	DefaultHistoryTurns = 10
	DefaultSystemPrompt = "You are a helpful voice assistant. Answer in short, natural spoken sentences without markdown."

	DefaultRepairPrompt      = "Sorry, go ahead."
	DefaultFrustrationPrompt = "Sorry about that. Let me stop there. What would you like me to do?"
	DefaultFailurePrompt     = "Sorry, I ran into a problem. Could you say that again?"
)

// DefaultTurnConfig returns the turn tunables with every default applied.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{}.WithDefaults()
}

// WithDefaults returns t with zero fields replaced by defaults.
func (t TurnConfig) WithDefaults() TurnConfig {
	t.Completion = t.Completion.WithDefaults()
	t.Aggregation = t.Aggregation.WithDefaults()
	t.BargeIn = t.BargeIn.WithDefaults()
	t.Speculation = t.Speculation.WithDefaults()
	t.Truncation = t.Truncation.WithDefaults()
	if t.Duplex.Hangover <= 0 {
		t.Duplex.Hangover = duplex.DefaultHangover
	}
	t.Repair = t.Repair.WithDefaults()
	if t.Output.DecisionBuffer <= 0 {
		t.Output.DecisionBuffer = 64
	}
	if t.Output.AudioBuffer <= 0 {
		t.Output.AudioBuffer = 32
	}
	if t.HistoryTurns == 0 {
		t.HistoryTurns = DefaultHistoryTurns
	}
	if t.SystemPrompt == "" {
		t.SystemPrompt = DefaultSystemPrompt
	}
	return t
}

// WithDefaults returns r with zero fields replaced by defaults.
func (r RepairConfig) WithDefaults() RepairConfig {
	if r.ConfidenceThreshold == 0 {
		r.ConfidenceThreshold = 0.7
	}
	if r.FrustrationInterrupts == 0 {
		r.FrustrationInterrupts = 3
	}
	if r.FrustrationWindow <= 0 {
		r.FrustrationWindow = 30 * time.Second
	}
	if r.Prompt == "" {
		r.Prompt = DefaultRepairPrompt
	}
	if r.FrustrationPrompt == "" {
		r.FrustrationPrompt = DefaultFrustrationPrompt
	}
	if r.FailurePrompt == "" {
		r.FailurePrompt = DefaultFailurePrompt
	}
	return r
}
