package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged is true if any turn tunable changed. Applied to sessions
	// started after the reload.
	TurnChanged bool

	// TurnSections names the changed sections of the turn config
	// (e.g. "barge_in", "repair"), in declaration order.
	TurnSections []string

	VoiceChanged bool

	// ProvidersChanged is true when an LLM or TTS provider entry changed.
	// Provider changes need a restart.
	ProvidersChanged bool
}

// Changed reports whether any tracked field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TurnChanged || d.VoiceChanged || d.ProvidersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.TurnSections = diffTurn(&old.Turn, &new.Turn)
	d.TurnChanged = len(d.TurnSections) > 0

	d.VoiceChanged = old.Providers.Voice != new.Providers.Voice

	d.ProvidersChanged = !reflect.DeepEqual(old.Providers.LLM, new.Providers.LLM) ||
		!reflect.DeepEqual(old.Providers.FallbackLLM, new.Providers.FallbackLLM) ||
		!reflect.DeepEqual(old.Providers.TTS, new.Providers.TTS)

	return d
}

// diffTurn returns the yaml names of the turn sections that differ.
func diffTurn(old, new *TurnConfig) []string {
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("completion", old.Completion != new.Completion)
	add("aggregation", old.Aggregation != new.Aggregation)
	add("barge_in", old.BargeIn != new.BargeIn)
	add("speculation", old.Speculation != new.Speculation)
	add("duplex", old.Duplex != new.Duplex)
	add("truncation", old.Truncation != new.Truncation)
	add("repair", old.Repair != new.Repair)
	add("output", old.Output != new.Output)
	add("history_turns", old.HistoryTurns != new.HistoryTurns)
	add("system_prompt", old.SystemPrompt != new.SystemPrompt)
	return changed
}
