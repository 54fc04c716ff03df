// Package bargein decides whether the user is interrupting the AI.
//
// A [Decider] fuses the latest frontend (client-side) and backend
// (provider-side) VAD signals with a weighted vote. Crossing the interrupt
// threshold yields a provisional interrupt that must survive a short
// rollback window; a confident reversal from a contributing source inside
// that window downgrades it to a misfire. The backend detector hears the
// AI's own playback when echo leaks into the capture path, so its weight is
// reduced while the AI speaks.
package bargein

import (
	"fmt"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Decision reasons.
const (
	ReasonVote        = "vote"
	ReasonBackchannel = "backchannel"
	ReasonMisfire     = "misfire"
	ReasonConfirmed   = "confirmed"
)

// Config holds the fusion tunables.
type Config struct {
	// InterruptThreshold is the fused score at which a provisional interrupt
	// is raised.
	InterruptThreshold float64 `yaml:"interrupt_threshold"`

	// BackchannelThreshold is the lowest fused score treated as listener
	// feedback. Scores in [BackchannelThreshold, InterruptThreshold) yield a
	// backchannel decision.
	BackchannelThreshold float64 `yaml:"backchannel_threshold"`

	// RollbackWindow is how long a provisional interrupt waits for a reversal.
	RollbackWindow time.Duration `yaml:"rollback_window"`

	// Staleness is the maximum age of a signal that still takes part in a vote.
	Staleness time.Duration `yaml:"staleness"`

	// ReversalConfidence is the minimum silence confidence that reverses a
	// provisional interrupt.
	ReversalConfidence float64 `yaml:"reversal_confidence"`

	// Idle and AISpeaking are the weight schedules for the two duplex states.
	Idle       types.FusionWeights `yaml:"idle_weights"`
	AISpeaking types.FusionWeights `yaml:"ai_speaking_weights"`
}

// DefaultConfig returns the default fusion tunables.
func DefaultConfig() Config {
	return Config{
		InterruptThreshold:   0.6,
		BackchannelThreshold: 0.3,
		RollbackWindow:       500 * time.Millisecond,
		Staleness:            750 * time.Millisecond,
		ReversalConfidence:   0.8,
		Idle:                 types.FusionWeights{Frontend: 0.5, Backend: 0.5},
		AISpeaking:           types.FusionWeights{Frontend: 0.7, Backend: 0.3},
	}
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.InterruptThreshold == 0 {
		c.InterruptThreshold = d.InterruptThreshold
	}
	if c.BackchannelThreshold == 0 {
		c.BackchannelThreshold = d.BackchannelThreshold
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = d.RollbackWindow
	}
	if c.Staleness <= 0 {
		c.Staleness = d.Staleness
	}
	if c.ReversalConfidence == 0 {
		c.ReversalConfidence = d.ReversalConfidence
	}
	if c.Idle == (types.FusionWeights{}) {
		c.Idle = d.Idle
	}
	if c.AISpeaking == (types.FusionWeights{}) {
		c.AISpeaking = d.AISpeaking
	}
	return c
}

// Validate reports inconsistent thresholds or weights.
func (c Config) Validate() error {
	if c.BackchannelThreshold > c.InterruptThreshold {
		return fmt.Errorf("bargein: backchannel_threshold %.2f above interrupt_threshold %.2f", c.BackchannelThreshold, c.InterruptThreshold)
	}
	for name, w := range map[string]types.FusionWeights{"idle_weights": c.Idle, "ai_speaking_weights": c.AISpeaking} {
		if w.Frontend < 0 || w.Backend < 0 {
			return fmt.Errorf("bargein: %s must not be negative", name)
		}
	}
	return nil
}

// Outcome is the result of observing one signal.
type Outcome struct {
	// Score is the fused vote after the signal was applied.
	Score float64

	// Weights are the weights the vote used.
	Weights types.FusionWeights

	// Decision is set when the signal produced a decision to emit.
	Decision *types.BargeInDecision

	// StartRollback asks the caller to schedule [Decider.Confirm] after
	// RollbackWindow.
	StartRollback bool

	// Err is [types.ErrSignalStale] for signals that were ignored.
	Err error
}

// Decider holds the most recent signal per source and at most one
// provisional interrupt. It is not safe for concurrent use.
type Decider struct {
	cfg Config

	latest [2]*types.VADSignal

	pending      *types.BargeInDecision
	contributors [2]bool

	// backchannelled is set once a backchannel was emitted for the current
	// speech burst.
	backchannelled bool
}

// New returns a Decider using cfg (zero fields take defaults).
func New(cfg Config) *Decider {
	return &Decider{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (d *Decider) Config() Config { return d.cfg }

// Observe applies sig at time now and re-runs the vote for the duplex state.
// Actions are only produced while duplex.InterruptionAllowed is set.
func (d *Decider) Observe(sig types.VADSignal, duplex types.DuplexState, now time.Time) Outcome {
	idx := sourceIndex(sig.Source)
	if now.Sub(sig.Timestamp) > d.cfg.Staleness {
		return Outcome{Err: types.ErrSignalStale}
	}
	if prev := d.latest[idx]; prev != nil && sig.Timestamp.Before(prev.Timestamp) {
		return Outcome{Err: types.ErrSignalStale}
	}
	s := sig
	d.latest[idx] = &s

	w := d.weightsFor(duplex)
	score := d.score(now, w)
	out := Outcome{Score: score, Weights: w}

	if d.silent(now) {
		d.backchannelled = false
	}
	if !duplex.InterruptionAllowed {
		return out
	}

	if d.pending != nil {
		if score > d.pending.Confidence {
			d.pending.Confidence = score
		}
		if sig.State == types.VoiceSilence &&
			sig.Confidence >= d.cfg.ReversalConfidence &&
			d.contributors[idx] &&
			score < d.cfg.InterruptThreshold {
			dec := types.BargeInDecision{
				Timestamp:  now,
				Confidence: score,
				Weights:    w,
				Action:     types.ActionIgnore,
				Reason:     ReasonMisfire,
			}
			d.pending = nil
			d.contributors = [2]bool{}
			out.Decision = &dec
		}
		return out
	}

	switch {
	case score >= d.cfg.InterruptThreshold:
		dec := types.BargeInDecision{
			Timestamp:   now,
			Confidence:  score,
			Weights:     w,
			Action:      types.ActionInterrupt,
			Provisional: true,
			Reason:      ReasonVote,
		}
		d.pending = &dec
		for i := range d.latest {
			d.contributors[i] = d.indicator(i, now) > 0
		}
		cp := dec
		out.Decision = &cp
		out.StartRollback = true

	case score >= d.cfg.BackchannelThreshold && sig.State == types.VoiceSpeech && !d.backchannelled:
		d.backchannelled = true
		out.Decision = &types.BargeInDecision{
			Timestamp:  now,
			Confidence: score,
			Weights:    w,
			Action:     types.ActionBackchannel,
			Reason:     ReasonBackchannel,
		}
	}
	return out
}

// Confirm promotes the provisional interrupt once its rollback window has
// elapsed. It returns false if there is nothing to confirm.
func (d *Decider) Confirm(now time.Time) (types.BargeInDecision, bool) {
	if d.pending == nil {
		return types.BargeInDecision{}, false
	}
	dec := *d.pending
	dec.Timestamp = now
	dec.Provisional = false
	dec.Reason = ReasonConfirmed
	d.pending = nil
	d.contributors = [2]bool{}
	return dec, true
}

// Pending returns the provisional interrupt, if any.
func (d *Decider) Pending() (types.BargeInDecision, bool) {
	if d.pending == nil {
		return types.BargeInDecision{}, false
	}
	return *d.pending, true
}

// Reset clears the provisional interrupt and all held signals.
func (d *Decider) Reset() {
	d.latest = [2]*types.VADSignal{}
	d.pending = nil
	d.contributors = [2]bool{}
	d.backchannelled = false
}

func (d *Decider) weightsFor(duplex types.DuplexState) types.FusionWeights {
	if duplex.AISpeaking {
		return d.cfg.AISpeaking
	}
	return d.cfg.Idle
}

func (d *Decider) score(now time.Time, w types.FusionWeights) float64 {
	return w.Frontend*d.indicator(0, now) + w.Backend*d.indicator(1, now)
}

// indicator is the speech confidence of the fresh signal from source i, or
// zero for silence or a stale or missing signal.
func (d *Decider) indicator(i int, now time.Time) float64 {
	sig := d.latest[i]
	if sig == nil || sig.State != types.VoiceSpeech || now.Sub(sig.Timestamp) > d.cfg.Staleness {
		return 0
	}
	return sig.Confidence
}

func (d *Decider) silent(now time.Time) bool {
	return d.indicator(0, now) == 0 && d.indicator(1, now) == 0
}

func sourceIndex(s types.VoiceSource) int {
	if s == types.SourceBackend {
		return 1
	}
	return 0
}
