package gateway

import (
	"fmt"
	"sync/atomic"
)

// State is a connection lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateReady
	StateBackpressure
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateBackpressure:
		return "backpressure"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateConnecting:    {StateAwaitingAuth, StateClosing},
	StateAwaitingAuth:  {StateAuthenticated, StateClosing},
	StateAuthenticated: {StateReady, StateClosing},
	StateReady:         {StateBackpressure, StateClosing},
	StateBackpressure:  {StateReady, StateClosing},
	StateClosing:       {StateClosed},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateMachine holds a connection's state and rejects illegal moves.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) Current() State {
	return State(m.v.Load())
}

// Transition moves to the target state or fails without changing anything.
func (m *stateMachine) Transition(to State) error {
	for {
		from := m.Current()
		if !CanTransition(from, to) {
			return fmt.Errorf("illegal connection transition %s -> %s", from, to)
		}
		if m.v.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// TransitionFrom moves from an expected state only; it reports whether it did.
func (m *stateMachine) TransitionFrom(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	return m.v.CompareAndSwap(int32(from), int32(to))
}
