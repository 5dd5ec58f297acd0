package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

// State is the delivery state of a conversation handle.
type State string

const (
	Opening  State = "OPENING"
	Live     State = "LIVE"
	Degraded State = "DEGRADED"
	Closed   State = "CLOSED"
)

// EventKind is published on the bus for every accepted transition.
const EventKind = "handle.status_changed"

// validTransitions defines allowed state transitions. DEGRADED means the
// handle is pull-only: history still works but nothing arrives live.
var validTransitions = map[State][]State{
	Opening:  {Live, Degraded, Closed},
	Live:     {Degraded, Closed},
	Degraded: {Live, Closed},
	Closed:   {},
}

// Machine tracks and enforces handle state transitions.
type Machine struct {
	mu      sync.RWMutex
	handle  string
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Opening state.
func NewMachine(handle string, b *bus.Bus) *Machine {
	return &Machine{
		handle:  handle,
		current: Opening,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	m.set(to)
	return nil
}

// TransitionFrom moves to a new state only if the current state is from. It
// returns false and changes nothing otherwise.
func (m *Machine) TransitionFrom(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from || !slices.Contains(validTransitions[from], to) {
		return false
	}
	m.set(to)
	return true
}

// set assumes mu is held and the transition was validated.
func (m *Machine) set(to State) {
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      EventKind,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Handle: m.handle,
				From:   from,
				To:     to,
			},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Handle string
	From   State
	To     State
}
