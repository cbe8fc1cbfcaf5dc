// Package observation persists the data timestamps fetched for each source.
// It backs catch-up existence checks and seeds the scheduler on startup.
package observation

import (
	"context"
	"time"
)

// Repository defines the interface for observation persistence.
type Repository interface {
	// Record stores that data stamped observedAt was fetched for a source.
	// Recording the same instant twice is not an error.
	Record(ctx context.Context, sourceID string, observedAt time.Time) error

	// Latest returns the most recent observation of a source. ok is false
	// when nothing was recorded yet.
	Latest(ctx context.Context, sourceID string) (observedAt time.Time, ok bool, err error)

	// Exists reports whether an observation is held for the instant.
	Exists(ctx context.Context, sourceID string, observedAt time.Time) (bool, error)

	// ExistsBetween reports whether any observation of a source falls in
	// [from, to).
	ExistsBetween(ctx context.Context, sourceID string, from, to time.Time) (bool, error)

	// Prune deletes observations older than before and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}
