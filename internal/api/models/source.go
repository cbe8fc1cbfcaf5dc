package models

import (
	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/lifecycle"
	"github.com/homedeck/homedeck/internal/source/httpsource"
	"github.com/homedeck/homedeck/internal/supervisor"
)

// SourceStatus is the public view of a supervised source.
type SourceStatus struct {
	ID                  string       `json:"id"`
	Status              string       `json:"status"`
	Health              HealthStatus `json:"health"`
	IsRunning           bool         `json:"isRunning"`
	LastRefresh         *Timestamp   `json:"lastRefresh,omitempty"`
	NextRefresh         *Timestamp   `json:"nextRefresh,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	SchedulerMode       string       `json:"schedulerMode"`
	CurrentSlackSeconds float64      `json:"currentSlackSeconds"`
	AverageIntervalSecs *float64     `json:"averageIntervalSeconds,omitempty"`
	UnavailableInstants []Timestamp  `json:"unavailableInstants,omitempty"`
}

// SourceList is the response of GET /v1/sources.
type SourceList struct {
	Items []SourceStatus `json:"items"`
}

// CommandResult acknowledges an accepted control command.
type CommandResult struct {
	Command  string        `json:"command"`
	SourceID string        `json:"sourceId,omitempty"`
	Accepted bool          `json:"accepted"`
	Source   *SourceStatus `json:"source,omitempty"`
}

// NewSourceStatus converts a supervisor snapshot.
func NewSourceStatus(st supervisor.Status) SourceStatus {
	out := SourceStatus{
		ID:                  st.ID,
		Status:              st.Status.String(),
		Health:              SourceHealth(st),
		IsRunning:           st.IsRunning,
		LastRefresh:         NewTimestamp(st.LastRefresh),
		NextRefresh:         NewTimestamp(st.NextRefresh),
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		SchedulerMode:       st.Mode.String(),
		CurrentSlackSeconds: st.CurrentSlack.Seconds(),
	}
	if st.AverageInterval > 0 {
		avg := st.AverageInterval.Seconds()
		out.AverageIntervalSecs = &avg
	}
	for _, instant := range st.Unavailable {
		out.UnavailableInstants = append(out.UnavailableInstants, Timestamp(instant))
	}
	return out
}

// SourceHealth maps a lifecycle status onto OK, DEGRADED or FAIL.
func SourceHealth(st supervisor.Status) HealthStatus {
	switch st.Status {
	case lifecycle.Running:
		return HealthStatusOK
	case lifecycle.Faulted:
		return HealthStatusFail
	default:
		return HealthStatusDegraded
	}
}

// Event is the JSON encoding of a source event on the event stream.
type Event struct {
	ID       string    `json:"id"`
	SourceID string    `json:"sourceId"`
	Kind     string    `json:"kind"`
	At       Timestamp `json:"at"`

	// DataReceived
	IsNewData   *bool      `json:"isNewData,omitempty"`
	DataTime    *Timestamp `json:"dataTime,omitempty"`
	Backfill    bool       `json:"backfill,omitempty"`
	ContentType string     `json:"contentType,omitempty"`

	// StatusChanged
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Error
	Message   string     `json:"message,omitempty"`
	Fatal     bool       `json:"fatal,omitempty"`
	WillRetry bool       `json:"willRetry,omitempty"`
	NextRetry *Timestamp `json:"nextRetry,omitempty"`
}

// NewEvent converts a dispatcher event. Payload bytes are not streamed.
func NewEvent(e events.Event) Event {
	out := Event{
		ID:       e.ID,
		SourceID: e.SourceID,
		Kind:     string(e.Kind),
		At:       Timestamp(e.At),
	}

	switch {
	case e.Data != nil:
		isNew := e.Data.IsNewData
		out.IsNewData = &isNew
		out.DataTime = NewTimestamp(e.Data.Timestamp)
		out.Backfill = e.Data.Backfill
		if artifact, ok := e.Data.Payload.(*httpsource.Artifact); ok && artifact != nil {
			out.ContentType = artifact.ContentType
		}
	case e.Status != nil:
		out.From = e.Status.Old.String()
		out.To = e.Status.New.String()
	case e.Error != nil:
		out.Message = e.Error.Message
		out.Fatal = e.Error.Fatal
		out.WillRetry = e.Error.WillRetry
		out.NextRetry = NewTimestamp(e.Error.NextRetry)
	}
	return out
}
