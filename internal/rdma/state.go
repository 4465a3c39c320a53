package rdma

import (
	"fmt"
)

// State is the lifecycle state of a session's queue pair
type State int

const (
	StateUninitialized State = iota
	StateDeviceOpen
	StatePDAllocated
	StateBufferRegistered
	StateQPAllocated
	// StateReady is terminal: PSNs are initialised and one WQE may be submitted
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateDeviceOpen:
		return "DeviceOpen"
	case StatePDAllocated:
		return "PDAllocated"
	case StateBufferRegistered:
		return "BufferRegistered"
	case StateQPAllocated:
		return "QPAllocated"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lifecycle enforces the strict order of the QP setup sequence
type Lifecycle struct {
	state State
}

// State returns the current state
func (l *Lifecycle) State() State {
	return l.state
}

// Advance moves to next, which must be the immediate successor of the
// current state. Nothing follows Ready.
func (l *Lifecycle) Advance(next State) error {
	if l.state == StateReady || next != l.state+1 {
		return fmt.Errorf("invalid QP lifecycle transition %s -> %s", l.state, next)
	}
	l.state = next
	return nil
}

// Require fails unless the current state is exactly want
func (l *Lifecycle) Require(want State) error {
	if l.state != want {
		return fmt.Errorf("QP lifecycle in state %s, need %s", l.state, want)
	}
	return nil
}
