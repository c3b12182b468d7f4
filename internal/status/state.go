package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	// Booting is the initial state before the first connect.
	Booting State = "BOOTING"
	// Pairing means no valid credentials exist; pairing tokens may be emitted.
	Pairing State = "PAIRING"
	// Connecting means a handle exists and connection establishment is in flight.
	Connecting State = "CONNECTING"
	// Open means the connection is usable for sends.
	Open State = "OPEN"
	// Closed means the connection dropped; the cause decides what happens next.
	Closed State = "CLOSED"
	// Terminal means the credentials were invalidated (logout); no automatic
	// reconnect happens from here.
	Terminal State = "TERMINAL"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Pairing, Connecting},
	Pairing:    {Connecting, Closed, Terminal},
	Connecting: {Open, Closed, Pairing},
	Open:       {Closed},
	Closed:     {Connecting, Pairing, Terminal},
	Terminal:   {Connecting, Pairing},
}

// Machine tracks and enforces session lifecycle transitions. It also owns the
// current pairing token: the token can only be set while in Pairing and is
// cleared on every transition into Open or Closed, so a stale token is never
// observable.
type Machine struct {
	mu      sync.RWMutex
	current State
	token   string
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		defer m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if to == Open || to == Closed {
		m.token = ""
	}
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// SetPairingToken records a freshly emitted pairing token, superseding any
// previous one. It is rejected outside the Pairing state.
func (m *Machine) SetPairingToken(token string) error {
	m.mu.Lock()
	if m.current != Pairing {
		m.mu.Unlock()
		return fmt.Errorf("pairing token not accepted in state %s", m.current)
	}
	m.token = token
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{
			Kind:      "session.pairing_token",
			Timestamp: time.Now(),
			Payload:   token,
		})
	}
	return nil
}

// PairingToken returns the current pairing token, or empty if none is
// available. An absent token is not an error.
func (m *Machine) PairingToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
