package ws

import "fmt"

// State is the lifecycle state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnectScheduled:
		return "reconnect-scheduled"
	default:
		return "unknown"
	}
}

// Trigger is an input to the state machine.
type Trigger int

const (
	// TriggerConnect starts a dial.
	TriggerConnect Trigger = iota
	// TriggerOpened means the handshake completed.
	TriggerOpened
	// TriggerError is a transport error that does not by itself end the
	// connection.
	TriggerError
	// TriggerDropped means the transport is gone (dial failure or close).
	TriggerDropped
	// TriggerClose is a caller-initiated close.
	TriggerClose
	// TriggerSchedule arms the reconnect timer.
	TriggerSchedule
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnect:
		return "connect"
	case TriggerOpened:
		return "opened"
	case TriggerError:
		return "error"
	case TriggerDropped:
		return "dropped"
	case TriggerClose:
		return "close"
	case TriggerSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

// transitions is the full table; any pair not listed is rejected.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerConnect: StateConnecting,
		TriggerClose:   StateClosed,
	},
	StateConnecting: {
		TriggerOpened:  StateOpen,
		TriggerError:   StateConnecting,
		TriggerDropped: StateClosed,
		TriggerClose:   StateClosing,
	},
	StateOpen: {
		TriggerError:   StateOpen,
		TriggerDropped: StateClosed,
		TriggerClose:   StateClosing,
	},
	StateClosing: {
		TriggerError:   StateClosing,
		TriggerDropped: StateClosed,
	},
	StateClosed: {
		TriggerConnect:  StateConnecting,
		TriggerSchedule: StateReconnectScheduled,
		TriggerDropped:  StateClosed,
		TriggerClose:    StateClosed,
	},
	StateReconnectScheduled: {
		TriggerConnect: StateConnecting,
		TriggerDropped: StateReconnectScheduled,
		TriggerClose:   StateClosed,
	},
}

// Next looks up the transition for (from, t).
func Next(from State, t Trigger) (State, bool) {
	to, ok := transitions[from][t]
	return to, ok
}

// machine holds the current state. It is not safe for concurrent use; the
// Client guards it with its own mutex.
type machine struct {
	state State
}

func (m *machine) State() State { return m.state }

func (m *machine) can(t Trigger) bool {
	_, ok := Next(m.state, t)
	return ok
}

func (m *machine) fire(t Trigger) error {
	to, ok := Next(m.state, t)
	if !ok {
		return fmt.Errorf("ws: invalid transition %s --%s-->", m.state, t)
	}
	m.state = to
	return nil
}
