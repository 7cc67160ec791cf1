package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/carelane/portalchat/internal/bus"
)

// State is the lifecycle state of the session's channel connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// Reason explains why a transition happened.
type Reason string

const (
	ReasonConnect        Reason = "connect"
	ReasonHandshakeOK    Reason = "handshake_ok"
	ReasonClientClosed   Reason = "client_closed"
	ReasonAuthRejected   Reason = "auth_rejected"
	ReasonDialFailed     Reason = "dial_failed"
	ReasonTransportDrop  Reason = "transport_drop"
	ReasonRetryFailed    Reason = "retry_failed"
	ReasonRetryExhausted Reason = "retry_exhausted"
)

// validTransitions defines allowed state transitions.
// Connected may only reach Disconnected through a caller disconnect or an
// auth revocation; a transport drop always passes through Reconnecting.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connected, Reconnecting, Disconnected},
}

var connectedExits = []Reason{ReasonClientClosed, ReasonAuthRejected}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu       sync.RWMutex
	current  State
	attempts int
	bus      *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected.
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

// Attempts returns the number of failed reconnect attempts since the last
// drop. It resets on every transition out of Reconnecting.
func (m *Machine) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// A transition into Disconnected for any reason other than ReasonClientClosed
// also publishes a warning event.
func (m *Machine) Transition(to State, reason Reason, cause error) error {
	m.mu.Lock()

	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	if m.current == Connected && to == Disconnected && !slices.Contains(connectedExits, reason) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s (%s): drops must reconnect first", Connected, to, reason)
	}

	from := m.current
	m.current = to
	switch {
	case to == Reconnecting && from == Reconnecting:
		m.attempts++
	case to == Reconnecting:
		m.attempts = 0
	case from == Reconnecting:
		m.attempts = 0
	}
	change := StatusChange{From: from, To: to, Reason: reason, Attempt: m.attempts}
	if cause != nil {
		change.Err = cause.Error()
	}
	m.mu.Unlock()

	m.bus.Emit(bus.ChannelStateChanged, change)
	if to == Disconnected && reason != ReasonClientClosed {
		m.bus.Emit(bus.ChannelWarning, Warning{Reason: reason, Message: WarningText(reason), Err: change.Err})
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From    State
	To      State
	Reason  Reason
	Attempt int
	Err     string
}

// Warning is the payload for user-visible disconnect warnings.
type Warning struct {
	Reason  Reason
	Message string
	Err     string
}

// WarningText returns the banner text shown for an unexpected disconnect.
func WarningText(reason Reason) string {
	switch reason {
	case ReasonAuthRejected:
		return "messaging unavailable: sign in again"
	case ReasonRetryExhausted:
		return "messaging unavailable"
	default:
		return "messaging unavailable: connection failed"
	}
}
