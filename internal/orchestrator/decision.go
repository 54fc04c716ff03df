package orchestrator

import (
	"time"

	"github.com/MrWong99/turnkeeper/internal/completion"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// DecisionKind identifies what a [Decision] reports.
type DecisionKind int

const (
	// DecisionTransition is a turn state change. From and To are set.
	DecisionTransition DecisionKind = iota

	// DecisionBargeIn is a barge-in fusion decision. BargeIn is set.
	DecisionBargeIn

	// DecisionUtterance is a user utterance handed to generation. Utterance,
	// Verdict and Score are set.
	DecisionUtterance

	// DecisionSpeculation reports a speculative generation being started or
	// reconciled. GenerationID and Reason are set; Text is the seed.
	DecisionSpeculation

	// DecisionResponse is one sentence of the response sent to the
	// synthesizer. Text and GenerationID are set.
	DecisionResponse

	// DecisionTruncation is where an interrupted response was cut.
	// Truncation is set.
	DecisionTruncation

	// DecisionRepair is a repair prompt for the transport to voice. Text and
	// Reason are set.
	DecisionRepair

	// DecisionError reports a recovered failure. Err is set.
	DecisionError
)

// String returns the lower-case name of the kind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionTransition:
		return "transition"
	case DecisionBargeIn:
		return "barge_in"
	case DecisionUtterance:
		return "utterance"
	case DecisionSpeculation:
		return "speculation"
	case DecisionResponse:
		return "response"
	case DecisionTruncation:
		return "truncation"
	case DecisionRepair:
		return "repair"
	case DecisionError:
		return "error"
	default:
		return "unknown"
	}
}

// Decision is one entry of a session's authoritative output stream.
// Only the fields relevant to Kind are set.
type Decision struct {
	Kind DecisionKind
	At   time.Time

	From, To types.TurnState

	// Recovered marks a transition forced by the recovery path.
	Recovered bool

	BargeIn    types.BargeInDecision
	Utterance  types.AggregatedUtterance
	Truncation types.TruncationPoint

	Verdict completion.Verdict
	Score   float64

	GenerationID string
	Text         string
	Reason       string
	Err          error
}

// Critical reports whether the decision must never be dropped from the
// output stream: state transitions, confirmed interrupts, truncations and
// repair prompts.
func (d Decision) Critical() bool {
	switch d.Kind {
	case DecisionTransition, DecisionTruncation, DecisionRepair:
		return true
	case DecisionBargeIn:
		return d.BargeIn.Action == types.ActionInterrupt && !d.BargeIn.Provisional
	default:
		return false
	}
}
