package models

// Health represents the liveness of the daemon.
type Health struct {
	Status  HealthStatus           `json:"status"`
	Time    Timestamp              `json:"time"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemStatus is the aggregated view of every supervised source.
type SystemStatus struct {
	Status     HealthStatus      `json:"status"`
	Time       Timestamp         `json:"time"`
	Summary    map[string]int    `json:"summary"`
	Subsystems []SubsystemStatus `json:"subsystems,omitempty"`
	Sources    []SourceStatus    `json:"sources"`
}

// SubsystemStatus represents the status of a supporting subsystem.
type SubsystemStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail *string      `json:"detail,omitempty"`
}
