package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the lifecycle state of the transport session.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
	Joined        State = "JOINED"
	LoggedOut     State = "LOGGED_OUT"
)

// validTransitions defines allowed state transitions. Any drop goes back to
// Disconnected or straight to Connecting when a redial starts immediately.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting, LoggedOut},
	Connecting:    {Connected, Disconnected, LoggedOut},
	Connected:     {Authenticated, Connecting, Disconnected, LoggedOut},
	Authenticated: {Joined, Connecting, Disconnected, LoggedOut},
	Joined:        {Authenticated, Connecting, Disconnected, LoggedOut},
	LoggedOut:     {Connecting},
}

// Machine tracks and enforces transport session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Ready reports whether the session is authenticated and may emit events.
func (m *Machine) Ready() bool {
	s := m.Current()
	return s == Authenticated || s == Joined
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
