// Package journal records session decisions as append-only JSON lines, one
// object per decision, for offline review of how turns were taken.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/internal/orchestrator"
)

// Record is a single journal line.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`

	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`

	Action      string  `json:"action,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Provisional bool    `json:"provisional,omitempty"`

	Utterance  string  `json:"utterance,omitempty"`
	Verdict    string  `json:"verdict,omitempty"`
	Score      float64 `json:"score,omitempty"`
	SpokenText string  `json:"spoken_text,omitempty"`

	GenerationID string `json:"generation_id,omitempty"`
	Text         string `json:"text,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NewRecord flattens d into a Record.
func NewRecord(sessionID string, d orchestrator.Decision) Record {
	r := Record{
		Timestamp:    d.At.UTC(),
		SessionID:    sessionID,
		Kind:         d.Kind.String(),
		GenerationID: d.GenerationID,
		Text:         d.Text,
		Reason:       d.Reason,
	}
	switch d.Kind {
	case orchestrator.DecisionTransition:
		r.From, r.To, r.Recovered = d.From.String(), d.To.String(), d.Recovered
	case orchestrator.DecisionBargeIn:
		r.Action = d.BargeIn.Action.String()
		r.Confidence = d.BargeIn.Confidence
		r.Provisional = d.BargeIn.Provisional
		if r.Reason == "" {
			r.Reason = d.BargeIn.Reason
		}
	case orchestrator.DecisionUtterance:
		r.Utterance = d.Utterance.Text
		r.Verdict = d.Verdict.String()
		r.Score = d.Score
	case orchestrator.DecisionTruncation:
		r.SpokenText = d.Truncation.SpokenText
	}
	if d.Err != nil {
		r.Error = d.Err.Error()
	}
	return r
}

// File appends records to a local file.
// Safe for concurrent use.
type File struct {
	mu sync.Mutex
	f  *os.File
}

// Open opens path for appending, creating it if it does not exist.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}
	return &File{f: f}, nil
}

// Write appends d as one line.
func (j *File) Write(sessionID string, d orchestrator.Decision) error {
	data, err := json.Marshal(NewRecord(sessionID, d))
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
