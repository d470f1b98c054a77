package jobs

import "strings"

// State is the lifecycle position of a job.
type State string

const (
	StatePending     State = "PENDING"
	StateRunning     State = "RUNNING"
	StateStageFailed State = "STAGE_FAILED"
	StateSucceeded   State = "SUCCEEDED"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

var allStates = []State{
	StatePending,
	StateRunning,
	StateStageFailed,
	StateSucceeded,
	StateFailed,
	StateCancelled,
}

// States returns every state in lifecycle order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// ParseState converts user input ("running", "stage-failed") into a State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), "-", "_")))
	for _, state := range allStates {
		if state == normalized {
			return state, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

type transition struct {
	from State
	to   State
}

var allowedTransitions = map[transition]struct{}{
	{StatePending, StateRunning}:       {},
	{StateRunning, StateRunning}:       {},
	{StateRunning, StateSucceeded}:     {},
	{StateRunning, StateStageFailed}:   {},
	{StateRunning, StateFailed}:        {},
	{StateStageFailed, StateRunning}:   {},
	{StateStageFailed, StateFailed}:    {},
	{StatePending, StateCancelled}:     {},
	{StateRunning, StateCancelled}:     {},
	{StateStageFailed, StateCancelled}: {},
	// Delivery exhaustion can fail a job that never got going.
	{StatePending, StateFailed}: {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[transition{from: from, to: to}]
	return ok
}
