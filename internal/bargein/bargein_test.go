package bargein

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

var speaking = types.DuplexState{AISpeaking: true, InterruptionAllowed: true}

func sig(src types.VoiceSource, st types.VoiceState, conf float64, ms int) types.VADSignal {
	return types.VADSignal{Source: src, State: st, Confidence: conf, Timestamp: at(ms)}
}

// Frontend speech at 0.9 and backend speech at 0.3 while the AI speaks cross
// the threshold; frontend silence at 0.9 before the rollback window reverses
// the interrupt.
func TestObserve_MisfireScenario(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())

	out := d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.9, 0), speaking, at(0))
	if out.Decision == nil || out.Decision.Action != types.ActionInterrupt || !out.Decision.Provisional {
		t.Fatalf("expected provisional interrupt, got %+v", out.Decision)
	}
	if !out.StartRollback {
		t.Error("expected rollback timer request")
	}

	out = d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 0.3, 100), speaking, at(100))
	if math.Abs(out.Score-0.72) > 1e-9 {
		t.Errorf("fused score = %v, want 0.72", out.Score)
	}
	if out.Decision != nil {
		t.Errorf("no new decision expected while provisional, got %+v", out.Decision)
	}
	if p, ok := d.Pending(); !ok || math.Abs(p.Confidence-0.72) > 1e-9 {
		t.Errorf("pending = %+v (ok=%v), want confidence raised to 0.72", p, ok)
	}

	out = d.Observe(sig(types.SourceFrontend, types.VoiceSilence, 0.9, 300), speaking, at(300))
	if out.Decision == nil || out.Decision.Action != types.ActionIgnore || out.Decision.Reason != ReasonMisfire {
		t.Fatalf("expected misfire downgrade, got %+v", out.Decision)
	}
	if _, ok := d.Confirm(at(500)); ok {
		t.Error("rollback expiry must not confirm a reversed interrupt")
	}
}

func TestConfirm_SustainedSpeech(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.9, 0), speaking, at(0))
	d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.85, 200), speaking, at(200))
	d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 0.6, 300), speaking, at(300))

	dec, ok := d.Confirm(at(500))
	if !ok {
		t.Fatal("expected confirmed interrupt")
	}
	if dec.Action != types.ActionInterrupt || dec.Provisional || dec.Reason != ReasonConfirmed {
		t.Errorf("unexpected decision %+v", dec)
	}
	if _, ok := d.Pending(); ok {
		t.Error("pending not cleared after confirm")
	}
}

// Sustained speech above the threshold for longer than the rollback window
// never yields a downgrade, whatever the interleaving of sources.
func TestObserve_SustainedNeverDowngraded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	r := rand.New(rand.NewPCG(1, 2))

	for trial := range 200 {
		d := New(cfg)
		var provisional bool
		ms := 0
		for ms <= int(cfg.RollbackWindow/time.Millisecond)+100 {
			src := types.SourceFrontend
			if r.IntN(3) == 0 {
				src = types.SourceBackend
			}
			conf := cfg.InterruptThreshold + r.Float64()*(1-cfg.InterruptThreshold)
			out := d.Observe(sig(src, types.VoiceSpeech, conf, ms), speaking, at(ms))
			if out.Decision != nil {
				switch out.Decision.Action {
				case types.ActionInterrupt:
					provisional = true
				case types.ActionIgnore:
					t.Fatalf("trial %d: sustained speech downgraded at %dms", trial, ms)
				}
			}
			ms += 20 + r.IntN(60)
		}
		if !provisional {
			// Backend-only bursts stay below the threshold under the
			// AI-speaking schedule; only frontend-led trials must interrupt.
			continue
		}
		if _, ok := d.Confirm(at(ms)); !ok {
			t.Fatalf("trial %d: provisional interrupt not confirmed", trial)
		}
	}
}

func TestObserve_Stale(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	out := d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.95, 0), speaking, at(1000))
	if !errors.Is(out.Err, types.ErrSignalStale) {
		t.Fatalf("err = %v, want ErrSignalStale", out.Err)
	}
	if out.Decision != nil {
		t.Error("stale signal produced a decision")
	}

	// Out-of-order signal from the same source is stale as well.
	d.Observe(sig(types.SourceBackend, types.VoiceSilence, 0.9, 500), speaking, at(500))
	out = d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 0.9, 400), speaking, at(510))
	if !errors.Is(out.Err, types.ErrSignalStale) {
		t.Errorf("out-of-order err = %v, want ErrSignalStale", out.Err)
	}
}

// A signal that has aged out no longer contributes to the vote.
func TestObserve_StaleSignalExcludedFromVote(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 1, 0), speaking, at(0))
	out := d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.5, 900), speaking, at(900))
	if math.Abs(out.Score-0.35) > 1e-9 {
		t.Errorf("score = %v, want 0.35 (backend aged out)", out.Score)
	}
}

func TestObserve_Backchannel(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	out := d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.5, 0), speaking, at(0))
	if out.Decision == nil || out.Decision.Action != types.ActionBackchannel {
		t.Fatalf("expected backchannel, got %+v", out.Decision)
	}
	out = d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.55, 100), speaking, at(100))
	if out.Decision != nil {
		t.Errorf("backchannel emitted twice in one burst: %+v", out.Decision)
	}

	d.Observe(sig(types.SourceFrontend, types.VoiceSilence, 0.9, 400), speaking, at(400))
	out = d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.5, 900), speaking, at(900))
	if out.Decision == nil || out.Decision.Action != types.ActionBackchannel {
		t.Errorf("new burst should backchannel again, got %+v", out.Decision)
	}
}

func TestObserve_NoActionWhileAISilent(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	out := d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 1, 0), types.DuplexState{}, at(0))
	if out.Decision != nil || out.StartRollback {
		t.Errorf("decision while AI silent: %+v", out.Decision)
	}
	if out.Weights != DefaultConfig().Idle {
		t.Errorf("weights = %+v, want idle schedule", out.Weights)
	}
	if math.Abs(out.Score-0.5) > 1e-9 {
		t.Errorf("score = %v, want 0.5", out.Score)
	}
}

// Echo from the AI's own audio on the backend alone never interrupts.
func TestObserve_BackendEchoAlone(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	out := d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 1, 0), speaking, at(0))
	if out.Decision != nil && out.Decision.Action == types.ActionInterrupt {
		t.Errorf("backend-only speech interrupted: %+v", out.Decision)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	c := DefaultConfig()
	c.BackchannelThreshold = 0.9
	if err := c.Validate(); err == nil {
		t.Error("expected error for backchannel above interrupt threshold")
	}
	c = DefaultConfig()
	c.AISpeaking.Backend = -1
	if err := c.Validate(); err == nil {
		t.Error("expected error for negative weight")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig())
	d.Observe(sig(types.SourceFrontend, types.VoiceSpeech, 0.9, 0), speaking, at(0))
	d.Reset()
	if _, ok := d.Pending(); ok {
		t.Error("pending survived Reset")
	}
	out := d.Observe(sig(types.SourceBackend, types.VoiceSpeech, 0.2, 10), speaking, at(10))
	if out.Score > 0.1 {
		t.Errorf("held signals survived Reset: score %v", out.Score)
	}
}
