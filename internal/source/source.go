// Package source defines the collaborator contract a supervised data source
// implements: how it fetches, how it answers catch-up queries and how it
// seeds the scheduler at startup.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFatal marks an unrecoverable fault, such as a rejected API key or an
// invalid endpoint. Any error that does not wrap ErrFatal is transient.
var ErrFatal = errors.New("fatal source error")

// Kind classifies the result of a fetch.
type Kind int

const (
	// KindNewData means the source published data newer than the last fetch.
	KindNewData Kind = iota

	// KindUnchanged means the fetch succeeded but returned data already seen.
	KindUnchanged

	// KindMiss means the expected data is not published yet.
	KindMiss

	// KindAbsent means the upstream confirmed the data for an instant does
	// not exist. Only meaningful for backfill.
	KindAbsent

	// KindFatal means the source cannot work until reconfigured.
	KindFatal
)

var kindNames = map[Kind]string{
	KindNewData:   "new_data",
	KindUnchanged: "unchanged",
	KindMiss:      "miss",
	KindAbsent:    "absent",
	KindFatal:     "fatal",
}

// String returns the snake_case kind name used in logs and metrics.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Outcome is the classified result of a fetch.
type Outcome struct {
	Kind Kind

	// Timestamp is the time embedded in the fetched data, not the wall
	// clock time of the fetch. Set for NewData and Unchanged.
	Timestamp time.Time

	// Payload is the fetched artifact. Set for NewData only.
	Payload any

	// Reason describes a Miss, Absent or Fatal outcome.
	Reason string
}

// NewData reports freshly published data.
func NewData(payload any, timestamp time.Time) Outcome {
	return Outcome{Kind: KindNewData, Payload: payload, Timestamp: timestamp}
}

// Unchanged reports a successful fetch of data already seen.
func Unchanged(timestamp time.Time) Outcome {
	return Outcome{Kind: KindUnchanged, Timestamp: timestamp}
}

// Miss reports that the expected data is not available yet.
func Miss(reason string) Outcome {
	return Outcome{Kind: KindMiss, Reason: reason}
}

// Absent reports that data for a backfilled instant will never appear.
func Absent(reason string) Outcome {
	return Outcome{Kind: KindAbsent, Reason: reason}
}

// Fatal reports an unrecoverable fault.
func Fatal(reason string) Outcome {
	return Outcome{Kind: KindFatal, Reason: reason}
}

// Err converts a Fatal outcome into an error wrapping ErrFatal.
func (o Outcome) Err() error {
	if o.Kind != KindFatal {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFatal, o.Reason)
}

// IsFatal reports whether err is an unrecoverable source error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Source is a pollable upstream. Fetch returns an Outcome for every
// response the upstream gave and an error only when the request itself
// failed (network, rate limit, server error).
type Source interface {
	ID() string
	Fetch(ctx context.Context) (Outcome, error)
}

// Backfiller is implemented by sources whose history can be fetched per
// instant. It enables catch-up reconciliation.
type Backfiller interface {
	// CheckExists reports whether data for the instant is already held locally.
	CheckExists(ctx context.Context, instant time.Time) bool

	// Backfill fetches data for a past instant.
	Backfill(ctx context.Context, instant time.Time) (Outcome, error)
}

// Seeder is implemented by sources that know their most recent observation
// at startup.
type Seeder interface {
	SeedObservation(ctx context.Context) (time.Time, bool, error)
}

// Func adapts a function to the Source interface.
type Func struct {
	Name    string
	FetchFn func(ctx context.Context) (Outcome, error)
}

// ID returns the source identifier.
func (f Func) ID() string { return f.Name }

// Fetch calls FetchFn.
func (f Func) Fetch(ctx context.Context) (Outcome, error) { return f.FetchFn(ctx) }
