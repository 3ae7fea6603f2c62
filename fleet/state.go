package fleet

import (
	"strings"

	"github.com/cnelson/go-fleet/fleeterr"
)

// State is a unit's desired or current state.
type State string

const (
	StateInactive State = "inactive"
	StateLoaded   State = "loaded"
	StateLaunched State = "launched"
)

// States lists the valid states in lifecycle order.
var States = []State{StateInactive, StateLoaded, StateLaunched}

// Valid reports whether s is one of States.
func (s State) Valid() bool {
	switch s {
	case StateInactive, StateLoaded, StateLaunched:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		names := make([]string, len(States))
		for i, v := range States {
			names[i] = string(v)
		}
		return "", &fleeterr.FormatError{
			Input:  s,
			Reason: "state must be one of: " + strings.Join(names, ", "),
		}
	}
	return st, nil
}
