package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidTransition is returned for a transition the state table forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// ChangeFunc is invoked after every successful transition.
type ChangeFunc func(from, to Status)

// Snapshot is a consistent copy of the lifecycle state.
type Snapshot struct {
	Status              Status
	LastRefresh         time.Time
	NextRefresh         time.Time
	LastError           string
	ConsecutiveFailures int
}

// IsRunning reports whether the source is scheduling fetches.
func (s Snapshot) IsRunning() bool {
	return s.Status.IsActive()
}

// Machine holds the status and refresh metrics of one source. It is the
// single writer of its own state; any number of readers may take snapshots.
type Machine struct {
	mu                  sync.RWMutex
	status              Status
	lastRefresh         time.Time
	nextRefresh         time.Time
	lastError           string
	consecutiveFailures int
	onChange            ChangeFunc
}

// NewMachine creates a machine in the Stopped state.
func NewMachine(onChange ChangeFunc) *Machine {
	return &Machine{status: Stopped, onChange: onChange}
}

// Transition moves to the given status. Transitioning to the current status
// is a no-op and emits nothing.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	from := m.status
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.status = to
	if to == Starting {
		m.lastError = ""
		m.consecutiveFailures = 0
	}
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// MarkSuccess records a successful fetch.
func (m *Machine) MarkSuccess(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = at
	m.lastError = ""
	m.consecutiveFailures = 0
}

// MarkChecked records a fetch that completed without new data.
func (m *Machine) MarkChecked(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefresh = at
}

// MarkFailure records a failed fetch and returns the failure streak.
func (m *Machine) MarkFailure(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastError = err.Error()
	}
	m.consecutiveFailures++
	return m.consecutiveFailures
}

// SetNextRefresh records when the next scheduled fetch is due.
func (m *Machine) SetNextRefresh(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRefresh = at
}

// Snapshot returns a consistent copy of the state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:              m.status,
		LastRefresh:         m.lastRefresh,
		NextRefresh:         m.nextRefresh,
		LastError:           m.lastError,
		ConsecutiveFailures: m.consecutiveFailures,
	}
}
