package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gluk-w/shellbridge/internal/protocol"
)

// State is a client connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StatePreserved    State = "preserved"
	StateRestoring    State = "restoring"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// DefaultMaxAttempts caps automatic reconnects after failed connects.
const DefaultMaxAttempts = 5

var (
	// ErrInvalidTransition is wrapped by errors for events the current state does not accept.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRetriesExhausted is returned by Retry once the attempt cap is reached.
	ErrRetriesExhausted = errors.New("automatic reconnect attempts exhausted")
)

// Machine is the client connection state machine. It holds no I/O; the
// Client feeds it events and acts on the outcome.
type Machine struct {
	mu            sync.Mutex
	clock         clock.Clock
	state         State
	lastErr       error
	attempts      int
	maxAttempts   int
	lastConnected time.Time
	sessionID     string
	snapshot      protocol.Snapshot
	pausedAt      time.Time
	onChange      func(from, to State)
}

// NewMachine returns a machine in StateIdle. maxAttempts <= 0 selects
// DefaultMaxAttempts.
func NewMachine(clk clock.Clock, maxAttempts int) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{clock: clk, state: StateIdle, maxAttempts: maxAttempts}
}

// OnChange registers a callback invoked after every transition. It runs
// without the machine lock held.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// transition moves from one of the allowed states to next. Caller holds m.mu
// and must call the returned notify after unlocking.
func (m *Machine) transition(next State, allowed ...State) (func(), error) {
	from := m.state
	ok := len(allowed) == 0
	for _, s := range allowed {
		if s == from {
			ok = true
			break
		}
	}
	if !ok {
		return func() {}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	m.state = next
	fn := m.onChange
	return func() {
		if fn != nil && from != next {
			fn(from, next)
		}
	}, nil
}

// Connect is a manual connect from any state. It resets the attempt counter.
func (m *Machine) Connect() error {
	m.mu.Lock()
	notify, err := m.transition(StateConnecting)
	if err == nil {
		m.attempts = 0
		m.lastErr = nil
	}
	m.mu.Unlock()
	notify()
	return err
}

// Retry is an automatic reconnect: error -> connecting while the attempt
// counter is below the cap.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if m.state == StateError && m.attempts >= m.maxAttempts {
		m.mu.Unlock()
		return ErrRetriesExhausted
	}
	notify, err := m.transition(StateConnecting, StateError)
	m.mu.Unlock()
	notify()
	return err
}

// Ready records a successful connect: connecting -> connected.
func (m *Machine) Ready(sessionID string) error {
	m.mu.Lock()
	notify, err := m.transition(StateConnected, StateConnecting)
	if err == nil {
		m.sessionID = sessionID
		m.attempts = 0
		m.lastErr = nil
		m.lastConnected = m.clock.Now()
	}
	m.mu.Unlock()
	notify()
	return err
}

// ConnectFailed records a failed connect: connecting -> error. It reports
// whether an automatic retry is still allowed.
func (m *Machine) ConnectFailed(cause error) (bool, error) {
	m.mu.Lock()
	notify, err := m.transition(StateError, StateConnecting)
	retry := false
	if err == nil {
		m.attempts++
		m.lastErr = cause
		retry = m.attempts < m.maxAttempts
	}
	m.mu.Unlock()
	notify()
	return retry, err
}

// Hide records that the UI went hidden: connected -> preserved.
func (m *Machine) Hide(snapshot protocol.Snapshot) error {
	m.mu.Lock()
	notify, err := m.transition(StatePreserved, StateConnected)
	if err == nil {
		m.snapshot = snapshot
		m.pausedAt = m.clock.Now()
	}
	m.mu.Unlock()
	notify()
	return err
}

// HiddenFor returns how long the UI has been hidden, or 0 when not preserved.
func (m *Machine) HiddenFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePreserved {
		return 0
	}
	return m.clock.Since(m.pausedAt)
}

// Resume returns to the live session without a server round trip:
// preserved -> connected.
func (m *Machine) Resume() error {
	m.mu.Lock()
	notify, err := m.transition(StateConnected, StatePreserved)
	m.mu.Unlock()
	notify()
	return err
}

// BeginRestore starts a restore round trip: preserved -> restoring. It
// returns the session id and cached snapshot to send.
func (m *Machine) BeginRestore() (string, protocol.Snapshot, error) {
	m.mu.Lock()
	notify, err := m.transition(StateRestoring, StatePreserved)
	id, snap := m.sessionID, m.snapshot
	m.mu.Unlock()
	notify()
	return id, snap, err
}

// Restored completes a restore: restoring -> connected.
func (m *Machine) Restored() error {
	m.mu.Lock()
	notify, err := m.transition(StateConnected, StateRestoring)
	if err == nil {
		m.lastErr = nil
		m.lastConnected = m.clock.Now()
	}
	m.mu.Unlock()
	notify()
	return err
}

// RestoreFailed records a failed or timed-out restore: restoring -> error.
// The stale session id is discarded.
func (m *Machine) RestoreFailed(cause error) error {
	m.mu.Lock()
	notify, err := m.transition(StateError, StateRestoring)
	if err == nil {
		m.lastErr = cause
		m.sessionID = ""
	}
	m.mu.Unlock()
	notify()
	return err
}

// Disconnected records an explicit disconnect, a close notification or
// cleanup: connected | preserved | error -> disconnected.
func (m *Machine) Disconnected() error {
	m.mu.Lock()
	notify, err := m.transition(StateDisconnected, StateConnected, StatePreserved, StateError)
	if err == nil {
		m.sessionID = ""
	}
	m.mu.Unlock()
	notify()
	return err
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed connects.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Machine) Snapshot() protocol.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// SetSnapshot updates the cached UI snapshot without a transition.
func (m *Machine) SetSnapshot(s protocol.Snapshot) {
	m.mu.Lock()
	m.snapshot = s
	m.mu.Unlock()
}

func (m *Machine) LastConnected() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnected
}
