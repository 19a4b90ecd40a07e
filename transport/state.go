package transport

import "sync/atomic"

// State is a transport lifecycle state.
type State int32

const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// StateMachine tracks Unopened -> Open -> Closed. Closed is terminal.
// The zero value is Unopened.
type StateMachine struct {
	v atomic.Int32
}

// Load returns the current state.
func (m *StateMachine) Load() State {
	return State(m.v.Load())
}

// Open moves Unopened to Open.
func (m *StateMachine) Open() error {
	if m.v.CompareAndSwap(int32(Unopened), int32(Open)) {
		return nil
	}
	if m.Load() == Closed {
		return ErrClosed
	}
	return ErrAlreadyStarted
}

// Close moves any state to Closed and reports whether this call performed
// the transition.
func (m *StateMachine) Close() bool {
	for {
		cur := m.v.Load()
		if State(cur) == Closed {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(Closed)) {
			return true
		}
	}
}
