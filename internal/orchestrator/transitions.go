package orchestrator

import "github.com/MrWong99/turnkeeper/pkg/types"

// legalTransitions lists every allowed edge of the turn state machine.
// Any state may additionally move to IDLE when the session ends.
// GENERATING → AGGREGATING covers a user who resumes speaking before any
// audio was played.
var legalTransitions = map[types.TurnState][]types.TurnState{
	types.StateIdle:        {types.StateListening},
	types.StateListening:   {types.StateAggregating},
	types.StateAggregating: {types.StateGenerating},
	types.StateGenerating:  {types.StateSpeaking, types.StateAggregating},
	types.StateSpeaking:    {types.StateInterrupted, types.StateListening},
	types.StateInterrupted: {types.StateRepairing, types.StateListening},
	types.StateRepairing:   {types.StateListening},
}

// Legal reports whether the turn state machine allows from → to.
func Legal(from, to types.TurnState) bool {
	if to == types.StateIdle {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
