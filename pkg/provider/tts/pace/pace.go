// Package pace provides a tts.Provider that produces silent PCM paced like
// real speech. It stands in for a network TTS backend when replaying recorded
// sessions, so playback positions and truncation offsets behave as they would
// with real audio.
package pace

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

const (
	defaultMsPerChar = 65 * time.Millisecond
	defaultFrame     = 20 * time.Millisecond
)

// Provider synthesises silence whose duration is proportional to the text
// length. Audio is emitted in fixed frames at real-time pace.
type Provider struct {
	perChar  time.Duration
	frame    time.Duration
	format   tts.AudioFormat
	realTime bool
}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithPerChar sets the speaking time per character. Default is 65ms.
func WithPerChar(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.perChar = d
		}
	}
}

// WithFrame sets the frame duration. Default is 20ms.
func WithFrame(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.frame = d
		}
	}
}

// WithFormat overrides the PCM format. Default is [tts.DefaultFormat].
func WithFormat(f tts.AudioFormat) Option {
	return func(p *Provider) {
		if f.BytesPerSecond() > 0 {
			p.format = f
		}
	}
}

// WithRealTime controls whether frames are paced with wall-clock sleeps.
// Enabled by default; tests disable it.
func WithRealTime(on bool) Option {
	return func(p *Provider) { p.realTime = on }
}

// New returns a pacing Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		perChar:  defaultMsPerChar,
		frame:    defaultFrame,
		format:   tts.DefaultFormat,
		realTime: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Format implements tts.Provider.
func (p *Provider) Format() tts.AudioFormat { return p.format }

// FramesFor returns how many frames the given text is rendered into.
func (p *Provider) FramesFor(text string) int {
	d := time.Duration(utf8.RuneCountInString(text)) * p.perChar
	if d <= 0 {
		return 0
	}
	n := int(d / p.frame)
	if d%p.frame != 0 {
		n++
	}
	return n
}

// SynthesizeStream implements tts.Provider. The voice speed factor scales
// the per-character duration.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	frameBytes := p.format.Bytes(p.frame)
	speed := voice.SpeedFactor
	if speed <= 0 {
		speed = 1
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		var ticker *time.Ticker
		if p.realTime {
			ticker = time.NewTicker(time.Duration(float64(p.frame) / speed))
			defer ticker.Stop()
		}
		for {
			var (
				s  string
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case s, ok = <-text:
			}
			if !ok {
				return
			}
			frames := int(float64(p.FramesFor(s)) / speed)
			if frames == 0 && s != "" {
				frames = 1
			}
			for range frames {
				if ticker != nil {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
				select {
				case <-ctx.Done():
					return
				case out <- make([]byte, frameBytes):
				}
			}
		}
	}()
	return out, nil
}
