package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/locus-chat/locus/internal/bus"
)

// State represents a daemon connection lifecycle state.
type State string

const (
	Booting      State = "BOOTING"
	SignedOut    State = "SIGNED_OUT"
	Connecting   State = "CONNECTING"
	Backfilling  State = "BACKFILLING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {SignedOut, Connecting, Error},
	SignedOut:    {Connecting, Error},
	Connecting:   {Backfilling, SignedOut, Reconnecting, Error},
	Backfilling:  {Live, Reconnecting, Degraded, Error},
	Live:         {Reconnecting, Degraded, SignedOut, Error},
	Reconnecting: {Connecting, Live, Degraded, Error},
	Degraded:     {Connecting, Reconnecting, Live, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindSessionStatusChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
