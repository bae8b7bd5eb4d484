package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/beegramm/beegram/internal/bus"
)

// State is the lifecycle state of the transport channel as seen by the client.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline:      {Connecting, Closed},
	Connecting:   {Connected, Reconnecting, Offline, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connected, Offline, Closed},
	Closed:       {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu         sync.RWMutex
	current    State
	reconnects int
	bus        *bus.Bus
}

// NewMachine creates a new state machine starting in Offline state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reconnects reports how many times the machine has entered Reconnecting.
func (m *Machine) Reconnects() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reconnects
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Reconnecting {
		m.reconnects++
	}
	m.bus.Emit(bus.TransportStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
