// Package lifecycle implements the status state machine shared by every
// supervised source.
package lifecycle

// Status is the lifecycle state of a source.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Degraded
	Stopping
	Faulted
)

var statusNames = map[Status]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Degraded: "degraded",
	Stopping: "stopping",
	Faulted:  "faulted",
}

// String returns the lowercase status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive reports whether a scheduling loop runs in this status.
func (s Status) IsActive() bool {
	return s == Running || s == Degraded
}

// transitions lists the allowed successor states.
var transitions = map[Status][]Status{
	Stopped:  {Starting, Faulted},
	Starting: {Running, Stopping, Faulted},
	Running:  {Degraded, Stopping, Faulted},
	Degraded: {Running, Stopping, Faulted},
	Stopping: {Stopped, Faulted},
	Faulted:  {Starting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
