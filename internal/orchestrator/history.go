package orchestrator

import (
	"strings"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
)

// history holds the most recent conversation messages of one session,
// oldest first. It keeps at most two messages per turn: the user's
// utterance and what the assistant actually got to say.
//
// It is owned by the session event loop and not safe for concurrent use.
type history struct {
	entries []llm.Message
	maxSize int
}

func newHistory(turns int) *history {
	return &history{maxSize: 2 * turns}
}

// addUser appends a user utterance.
func (h *history) addUser(text string) { h.add("user", text) }

// addAssistant appends spoken assistant text. Consecutive assistant
// messages are merged so a resumed answer reads as one reply.
func (h *history) addAssistant(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if n := len(h.entries); n > 0 && h.entries[n-1].Role == "assistant" {
		h.entries[n-1].Content += " " + text
		return
	}
	h.add("assistant", text)
}

func (h *history) add(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" || h.maxSize == 0 {
		return
	}
	h.entries = append(h.entries, llm.Message{Role: role, Content: text})
	h.evict()
}

// messages returns a copy of the retained messages.
func (h *history) messages() []llm.Message {
	if len(h.entries) == 0 {
		return nil
	}
	out := make([]llm.Message, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *history) len() int { return len(h.entries) }

// evict keeps only the newest maxSize messages, copied to a fresh backing
// array so evicted messages do not pin memory for the session lifetime.
func (h *history) evict() {
	if len(h.entries) <= h.maxSize {
		return
	}
	keep := h.entries[len(h.entries)-h.maxSize:]
	fresh := make([]llm.Message, len(keep), h.maxSize)
	copy(fresh, keep)
	h.entries = fresh
}
