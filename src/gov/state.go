package gov

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// State is the lifecycle of a poll record.
type State string

const (
	StateOpen      State = "open"
	StateClosed    State = "closed"
	StatePassed    State = "passed"
	StateFailed    State = "failed"
	StateQueued    State = "queued"
	StateConfirmed State = "confirmed"
	// StateStale: the poll passed but the proposal can no longer be acted on.
	StateStale State = "stale"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateOpen:   {StateClosed},
	StateClosed: {StatePassed, StateFailed},
	StatePassed: {StateQueued, StateStale},
	StateQueued: {StateConfirmed},
}

// CanTransition reports whether from → to is in the transitions table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from → to.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Terminal states have no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) Closed() bool { return s != StateOpen && s != "" }

// Submitted is true once the multisig queue accepted the transaction (or it
// was found to be already handled on chain).
func (s State) Submitted() bool { return s == StateQueued || s == StateConfirmed }

func (s State) Valid() bool {
	switch s {
	case StateOpen, StateClosed, StatePassed, StateFailed, StateQueued, StateConfirmed, StateStale:
		return true
	}
	return false
}

func (s State) Value() (driver.Value, error) { return string(s), nil }

func (s *State) Scan(v any) error {
	switch t := v.(type) {
	case string:
		*s = State(t)
	case []byte:
		*s = State(t)
	default:
		return fmt.Errorf("state: unsupported type %T", v)
	}
	return nil
}

// Reachable reports whether to can be reached from from through one or more
// allowed transitions. A single mutation may take several steps, e.g. a sweep
// moving open → closed → passed.
func Reachable(from, to State) bool {
	seen := map[State]bool{from: true}
	queue := []State{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
