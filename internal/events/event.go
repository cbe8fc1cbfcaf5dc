// Package events defines the service events emitted by supervised sources
// and the dispatcher that delivers them on a single consumer goroutine.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/homedeck/homedeck/internal/lifecycle"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindDataReceived  Kind = "data_received"
	KindStatusChanged Kind = "status_changed"
	KindError         Kind = "error"
)

// DataReceived reports a completed fetch.
type DataReceived struct {
	IsNewData bool      `json:"isNewData"`
	Timestamp time.Time `json:"timestamp"`
	Backfill  bool      `json:"backfill,omitempty"`
	Payload   any       `json:"-"`
}

// StatusChanged reports a lifecycle transition.
type StatusChanged struct {
	Old lifecycle.Status `json:"old"`
	New lifecycle.Status `json:"new"`
}

// Error reports a failed fetch.
type Error struct {
	Message   string    `json:"message"`
	WillRetry bool      `json:"willRetry"`
	NextRetry time.Time `json:"nextRetry,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
}

// Event is an immutable notification about one source. Exactly one of the
// payload pointers is set, matching Kind.
type Event struct {
	ID       string    `json:"id"`
	SourceID string    `json:"sourceId"`
	At       time.Time `json:"at"`
	Kind     Kind      `json:"kind"`

	Data   *DataReceived  `json:"data,omitempty"`
	Status *StatusChanged `json:"status,omitempty"`
	Error  *Error         `json:"error,omitempty"`
}

func newEvent(sourceID string, kind Kind) Event {
	return Event{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		At:       time.Now(),
		Kind:     kind,
	}
}

// NewDataReceived builds a DataReceived event.
func NewDataReceived(sourceID string, data DataReceived) Event {
	e := newEvent(sourceID, KindDataReceived)
	e.Data = &data
	return e
}

// NewStatusChanged builds a StatusChanged event.
func NewStatusChanged(sourceID string, from, to lifecycle.Status) Event {
	e := newEvent(sourceID, KindStatusChanged)
	e.Status = &StatusChanged{Old: from, New: to}
	return e
}

// NewError builds an Error event.
func NewError(sourceID string, payload Error) Event {
	e := newEvent(sourceID, KindError)
	e.Error = &payload
	return e
}
