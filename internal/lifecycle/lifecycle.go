// Package lifecycle holds the trade idea state machine. Every state change in
// the store is checked against this table; nothing else decides legality.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-autopilot/internal/types"
)

var ErrInvalidTransition = errors.New("invalid idea state transition")

var transitions = map[types.IdeaState][]types.IdeaState{
	types.StatePending:   {types.StateApproved, types.StateRejected, types.StateExpired},
	types.StateApproved:  {types.StateExecuting},
	types.StateExecuting: {types.StateExecuted, types.StateFailed},
}

// Allowed reports whether from -> to is an edge of the state machine.
func Allowed(from, to types.IdeaState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check returns ErrInvalidTransition, annotated with both states, when the
// edge does not exist.
func Check(from, to types.IdeaState) error {
	if Allowed(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal (requested %s)", ErrInvalidTransition, from, to)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Next lists the states reachable from s in one step.
func Next(s types.IdeaState) []types.IdeaState {
	out := make([]types.IdeaState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// States lists every idea state.
func States() []types.IdeaState {
	return []types.IdeaState{
		types.StatePending,
		types.StateApproved,
		types.StateRejected,
		types.StateExecuting,
		types.StateExecuted,
		types.StateFailed,
		types.StateExpired,
	}
}
