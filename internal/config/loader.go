package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm-openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"pace"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset value of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = "pace"
	}
	if cfg.Providers.Voice.SpeedFactor == 0 {
		cfg.Providers.Voice.SpeedFactor = 1
	}
	cfg.Turn = cfg.Turn.WithDefaults()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.FallbackLLM {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallback_llm[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.FallbackLLM) > 0 {
			errs = append(errs, errors.New("providers.fallback_llm requires providers.llm"))
		} else {
			slog.Warn("no LLM provider configured; sessions will not be able to generate responses")
		}
	}
	if s := cfg.Providers.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("providers.voice.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	errs = append(errs, validateTurn(&cfg.Turn)...)
	return errors.Join(errs...)
}

func validateTurn(t *TurnConfig) []error {
	var errs []error

	c := t.Completion
	if !unit(c.CompleteThreshold) || !unit(c.UncertainThreshold) {
		errs = append(errs, errors.New("turn.completion thresholds must be in [0, 1]"))
	} else if c.UncertainThreshold >= c.CompleteThreshold {
		errs = append(errs, fmt.Errorf("turn.completion.uncertain_threshold %.2f must be below complete_threshold %.2f", c.UncertainThreshold, c.CompleteThreshold))
	}
	if !unit(c.ExternalWeight) {
		errs = append(errs, fmt.Errorf("turn.completion.external_weight %.2f is out of range [0, 1]", c.ExternalWeight))
	}

	a := t.Aggregation
	if a.BaseWindow <= 0 || a.ExtensionWindow <= 0 {
		errs = append(errs, errors.New("turn.aggregation windows must be positive"))
	}
	if a.MaxHold < a.BaseWindow {
		errs = append(errs, fmt.Errorf("turn.aggregation.max_hold %s must not be shorter than base_window %s", a.MaxHold, a.BaseWindow))
	}

	if err := t.BargeIn.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("turn.barge_in: %w", err))
	}
	if !unit(t.BargeIn.InterruptThreshold) || !unit(t.BargeIn.BackchannelThreshold) {
		errs = append(errs, errors.New("turn.barge_in thresholds must be in [0, 1]"))
	}

	s := t.Speculation
	if s.SimilarityThreshold <= 0 || s.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("turn.speculation.similarity_threshold %.2f is out of range (0, 1]", s.SimilarityThreshold))
	}
	if s.MaxExtraWords < 0 {
		errs = append(errs, errors.New("turn.speculation.max_extra_words must not be negative"))
	}

	if !unit(t.Repair.ConfidenceThreshold) {
		errs = append(errs, fmt.Errorf("turn.repair.confidence_threshold %.2f is out of range [0, 1]", t.Repair.ConfidenceThreshold))
	}
	if t.Repair.FrustrationInterrupts < 1 {
		errs = append(errs, errors.New("turn.repair.frustration_interrupts must be at least 1"))
	}
	if t.HistoryTurns < 0 {
		errs = append(errs, errors.New("turn.history_turns must not be negative"))
	}
	return errs
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
