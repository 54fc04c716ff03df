package tts

import (
	"testing"
	"time"
)

func TestAudioFormat_DurationAndBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format AudioFormat
		bytes  int
		want   time.Duration
	}{
		{"default one second", DefaultFormat, 48_000, time.Second},
		{"default 20ms frame", DefaultFormat, 960, 20 * time.Millisecond},
		{"stereo 48k", AudioFormat{SampleRate: 48_000, Channels: 2, BitsPerSample: 16}, 192_000, time.Second},
		{"zero format", AudioFormat{}, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.format.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
			if tt.want > 0 {
				if got := tt.format.Bytes(tt.want); got != tt.bytes {
					t.Errorf("Bytes(%v) = %d, want %d", tt.want, got, tt.bytes)
				}
			}
		})
	}
}

func TestAudioFormat_BytesFrameAligned(t *testing.T) {
	t.Parallel()

	// 1ms at 24kHz mono 16-bit is 48 bytes; 1.01ms must round down to a whole sample.
	got := DefaultFormat.Bytes(1010 * time.Microsecond)
	if got%2 != 0 {
		t.Errorf("Bytes returned %d, not aligned to 2-byte frames", got)
	}
}
