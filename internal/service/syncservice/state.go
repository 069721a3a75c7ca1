package syncservice

import (
	"fmt"
	"sync"
)

// State is the orchestrator phase of one batch
type State string

const (
	StateIdle           State = "idle"
	StatePulling        State = "pulling"
	StateDetecting      State = "detecting"
	StateResolving      State = "resolving"
	StateApplying       State = "applying"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StatePartialFailure State = "partial-failure"
)

// transitions lists the legal successors of each state. Failed and
// PartialFailure may also end the walk from any non-terminal state.
var transitions = map[State][]State{
	StateIdle:      {StatePulling},
	StatePulling:   {StateDetecting, StateApplying},
	StateDetecting: {StateResolving},
	StateResolving: {StateApplying},
	StateApplying:  {StateCompleted, StatePartialFailure},
}

// Terminal reports whether s ends the state machine
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartialFailure
}

// machine records the walk through the states of one batch
type machine struct {
	mu      sync.Mutex
	current State
	history []State
}

func newMachine() *machine {
	return &machine{current: StateIdle, history: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Terminal() {
		return fmt.Errorf("state machine: %s is terminal", m.current)
	}
	if next != StateFailed && next != StatePartialFailure {
		ok := false
		for _, s := range transitions[m.current] {
			if s == next {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("state machine: illegal transition %s -> %s", m.current, next)
		}
	}
	m.current = next
	m.history = append(m.history, next)
	return nil
}

func (m *machine) state() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *machine) walk() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}
