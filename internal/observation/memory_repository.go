package observation

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository used when
// no database is configured.
type InMemoryRepository struct {
	mu      sync.RWMutex
	sources map[string]map[int64]time.Time
}

// NewInMemoryRepository creates a new in-memory observation repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sources: make(map[string]map[int64]time.Time),
	}
}

// Record stores an observation.
func (r *InMemoryRepository) Record(_ context.Context, sourceID string, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.sources[sourceID]
	if !ok {
		held = make(map[int64]time.Time)
		r.sources[sourceID] = held
	}
	held[observedAt.UnixNano()] = observedAt.UTC()
	return nil
}

// Latest returns the most recent observation of a source.
func (r *InMemoryRepository) Latest(_ context.Context, sourceID string) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest time.Time
	for _, t := range r.sources[sourceID] {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero(), nil
}

// Exists reports whether an observation is held for the instant.
func (r *InMemoryRepository) Exists(_ context.Context, sourceID string, observedAt time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sources[sourceID][observedAt.UnixNano()]
	return ok, nil
}

// ExistsBetween reports whether any observation falls in [from, to).
func (r *InMemoryRepository) ExistsBetween(_ context.Context, sourceID string, from, to time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lo, hi := from.UnixNano(), to.UnixNano()
	for key := range r.sources[sourceID] {
		if key >= lo && key < hi {
			return true, nil
		}
	}
	return false, nil
}

// Prune deletes observations older than before.
func (r *InMemoryRepository) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	cutoff := before.UnixNano()
	for _, held := range r.sources {
		for key := range held {
			if key < cutoff {
				delete(held, key)
				removed++
			}
		}
	}
	return removed, nil
}
