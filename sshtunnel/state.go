// state.go implements session state tracking for the sshtunnel package.
//
// A Manager's session moves through Connecting and Connected, and ends
// either Disconnected (the session died under it) or Closed (the caller
// closed it). Transitions are kept in a 50 entry ring buffer for
// debugging, and registered callbacks run on every change.

package sshtunnel

import (
	"sync"
	"time"
)

// ConnectionState is the state of the SSH session behind a Manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called after the session state changes.
// Callbacks run synchronously on the goroutine that changed the state.
type StateChangeCallback func(from, to ConnectionState)

type stateTracker struct {
	mu          sync.RWMutex
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int // next write position
	count       int
	callbacks   []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateDisconnected}
}

// record adds a transition to the ring buffer. Caller must hold st.mu.
func (st *stateTracker) record(from, to ConnectionState, reason string) {
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}
}

// setState moves to state unless it is already current.
func (st *stateTracker) setState(state ConnectionState, reason string) {
	st.transition(func(ConnectionState) bool { return true }, state, reason)
}

// setStateFrom moves to state only if the current state is from. It reports
// whether the transition happened.
func (st *stateTracker) setStateFrom(from, state ConnectionState, reason string) bool {
	return st.transition(func(cur ConnectionState) bool { return cur == from }, state, reason)
}

func (st *stateTracker) transition(allowed func(ConnectionState) bool, state ConnectionState, reason string) bool {
	st.mu.Lock()
	from := st.current
	if from == state || !allowed(from) {
		st.mu.Unlock()
		return false
	}
	st.current = state
	st.record(from, state, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state)
	}
	return true
}

func (st *stateTracker) state() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// State returns the current session state.
func (m *Manager) State() ConnectionState {
	return m.state.state()
}

// Transitions returns up to the last 50 state transitions, oldest first.
func (m *Manager) Transitions() []StateTransition {
	return m.state.history()
}

// OnStateChange registers a callback invoked on every state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.state.onStateChange(cb)
}
