// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text fragments reached the TTS backend. By default every text fragment
// produces exactly one audio chunk of ChunkBytes bytes.
//
// Example:
//
//	p := &mock.Provider{ChunkBytes: 960, ChunkDelay: 10 * time.Millisecond}
//	ch, _ := p.SynthesizeStream(ctx, textCh, tts.VoiceProfile{ID: "v1"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

// defaultChunkBytes is 20ms of audio in [tts.DefaultFormat].
const defaultChunkBytes = 960

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ChunkBytes is the size of the audio chunk emitted per text fragment.
	// Zero means 960 bytes.
	ChunkBytes int

	// ChunksPerText is how many audio chunks each text fragment produces.
	// Zero means one.
	ChunksPerText int

	// ChunkDelay is slept before every audio chunk is emitted.
	ChunkDelay time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// AudioFormat is returned by Format. Zero means [tts.DefaultFormat].
	AudioFormat tts.AudioFormat

	// --- Call records ---

	// Texts records every text fragment received, across all streams, in order.
	Texts []string

	// Voices records the voice passed to each SynthesizeStream call.
	Voices []tts.VoiceProfile

	cancelled int
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits audio for every text fragment until text is closed or ctx
// is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.Voices = append(p.Voices, voice)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	size, per, delay := p.ChunkBytes, p.ChunksPerText, p.ChunkDelay
	p.mu.Unlock()
	if size <= 0 {
		size = defaultChunkBytes
	}
	if per <= 0 {
		per = 1
	}

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			var (
				s  string
				ok bool
			)
			select {
			case <-ctx.Done():
				p.markCancelled()
				return
			case s, ok = <-text:
			}
			if !ok {
				return
			}
			p.mu.Lock()
			p.Texts = append(p.Texts, s)
			p.mu.Unlock()

			for range per {
				if delay > 0 {
					select {
					case <-ctx.Done():
						p.markCancelled()
						return
					case <-time.After(delay):
					}
				}
				select {
				case <-ctx.Done():
					p.markCancelled()
					return
				case ch <- make([]byte, size):
				}
			}
		}
	}()
	return ch, nil
}

// Format returns AudioFormat, or [tts.DefaultFormat] when unset.
func (p *Provider) Format() tts.AudioFormat {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AudioFormat.BytesPerSecond() == 0 {
		return tts.DefaultFormat
	}
	return p.AudioFormat
}

// ReceivedTexts returns a snapshot of the recorded text fragments. Thread-safe.
func (p *Provider) ReceivedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

// Streams returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) Streams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Voices)
}

// Cancelled returns how many streams ended because their context was cancelled.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Provider) markCancelled() {
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
