package orchestrator

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/turnkeeper/internal/truncate"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

// sentenceBuffer accumulates generated tokens and releases complete
// sentences so synthesis can start before the generation finishes.
type sentenceBuffer struct {
	buf strings.Builder
}

// push adds a token and returns every sentence it completed.
func (b *sentenceBuffer) push(token string) []string {
	if token == "" {
		return nil
	}
	b.buf.WriteString(token)

	var out []string
	for {
		s := b.buf.String()
		idx := firstSentenceBoundary(s)
		if idx < 0 {
			return out
		}
		out = append(out, s[:idx+1])
		b.buf.Reset()
		b.buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
	}
}

// flush returns whatever partial sentence is left.
func (b *sentenceBuffer) flush() string {
	s := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return s
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// speech is the synthesis of one committed generation. Its fields are owned
// by the session loop except produced, which the audio forwarder updates.
type speech struct {
	id           uint64
	generationID string
	cancel       context.CancelFunc
	format       tts.AudioFormat

	sentences *queue[string]
	chunker   sentenceBuffer
	timeline  *truncate.Timeline
	textDone  bool

	// started is when the first audio chunk was ready.
	started    time.Time
	produced   atomic.Int64
	reported   bool
	reportedMs int64
}

// feed chunks token into sentences and queues them for synthesis. It
// returns the sentences it released.
func (sp *speech) feed(token string) []string {
	if sp.textDone {
		return nil
	}
	out := sp.chunker.push(token)
	for _, s := range out {
		sp.enqueue(s)
	}
	return out
}

// finish flushes the trailing partial sentence and ends the text stream.
func (sp *speech) finish() string {
	if sp.textDone {
		return ""
	}
	rest := sp.chunker.flush()
	if rest != "" {
		sp.enqueue(rest)
	}
	sp.textDone = true
	sp.sentences.close()
	return rest
}

func (sp *speech) enqueue(sentence string) {
	sp.timeline.Append(sentence)
	sp.sentences.push(sentence)
}

// stop cancels synthesis and audio forwarding.
func (sp *speech) stop() {
	sp.cancel()
	sp.sentences.close()
}

// position returns the playback position in milliseconds. A position
// reported by the transport wins; otherwise it is the time since the first
// chunk, capped by the amount of audio produced.
func (sp *speech) position(now time.Time) int64 {
	if sp.reported {
		return sp.reportedMs
	}
	if sp.started.IsZero() {
		return 0
	}
	elapsed := now.Sub(sp.started)
	if limit := sp.format.Duration(int(sp.produced.Load())); elapsed > limit {
		elapsed = limit
	}
	return elapsed.Milliseconds()
}

// report records a playback position from the transport. Positions never
// move backwards.
func (sp *speech) report(ms int64) {
	if ms < 0 || (sp.reported && ms < sp.reportedMs) {
		return
	}
	sp.reported = true
	sp.reportedMs = ms
}
