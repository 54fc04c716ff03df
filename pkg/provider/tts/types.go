package tts

import "time"

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64 `yaml:"speed_factor"`
}

// AudioFormat is the layout of raw little-endian PCM audio.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 24 kHz mono 16-bit PCM, the native output of most
// streaming TTS APIs.
var DefaultFormat = AudioFormat{SampleRate: 24_000, Channels: 1, BitsPerSample: 16}

// BytesPerSecond returns the byte rate of the format, or 0 if the format is
// incomplete.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns the playback duration of n bytes of audio in this format.
func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of bytes needed for d of audio in this format,
// rounded down to a whole frame.
func (f AudioFormat) Bytes(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(bps) * int64(d) / int64(time.Second))
	frame := f.Channels * f.BitsPerSample / 8
	if frame > 0 {
		n -= n % frame
	}
	return n
}
