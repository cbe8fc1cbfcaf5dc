// Package catchup finds expected-but-missing fetch instants inside a bounded
// lookback window and remembers instants the upstream never published.
package catchup

import (
	"sort"
	"sync"
	"time"
)

// Defaults for Config.
const (
	DefaultAttemptCap = 3
	DefaultMaxPerPass = 12
)

// Config controls reconciliation passes.
type Config struct {
	// AttemptCap is how many confirmed-absent responses an instant may
	// receive before it is marked permanently unavailable.
	// Default: 3
	AttemptCap int

	// MaxPerPass bounds how many missing instants a single pass returns.
	// Default: 12
	MaxPerPass int
}

// Window describes one reconciliation pass.
type Window struct {
	Start   time.Time
	End     time.Time
	Cadence time.Duration
}

// Instants returns the cadence-aligned instants in [Start, End], oldest first.
func (w Window) Instants() []time.Time {
	if w.Cadence <= 0 || w.End.Before(w.Start) {
		return nil
	}

	first := w.Start.Truncate(w.Cadence)
	if first.Before(w.Start) {
		first = first.Add(w.Cadence)
	}

	var instants []time.Time
	for t := first; !t.After(w.End); t = t.Add(w.Cadence) {
		instants = append(instants, t)
	}
	return instants
}

// ExistsFunc reports whether the data for an instant is already held.
type ExistsFunc func(instant time.Time) bool

// Reconciler tracks confirmed absences across passes. Safe for concurrent use.
type Reconciler struct {
	cfg Config

	mu          sync.Mutex
	absent      map[int64]int
	unavailable map[int64]time.Time
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = DefaultAttemptCap
	}
	if cfg.MaxPerPass <= 0 {
		cfg.MaxPerPass = DefaultMaxPerPass
	}

	return &Reconciler{
		cfg:         cfg,
		absent:      make(map[int64]int),
		unavailable: make(map[int64]time.Time),
	}
}

// Missing returns the instants in the window that exists reports as not held,
// skipping instants marked unavailable and capped at MaxPerPass.
func (r *Reconciler) Missing(w Window, exists ExistsFunc) []time.Time {
	r.mu.Lock()
	candidates := make([]time.Time, 0)
	for _, instant := range w.Instants() {
		if _, gone := r.unavailable[instant.UnixNano()]; gone {
			continue
		}
		candidates = append(candidates, instant)
	}
	r.mu.Unlock()

	// exists may perform I/O, so it runs outside the lock.
	var missing []time.Time
	for _, instant := range candidates {
		if exists(instant) {
			continue
		}
		missing = append(missing, instant)
		if len(missing) == r.cfg.MaxPerPass {
			break
		}
	}
	return missing
}

// ConfirmAbsent records that the upstream reported no data for instant. It
// returns true once the instant has been marked permanently unavailable.
func (r *Reconciler) ConfirmAbsent(instant time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := instant.UnixNano()
	if _, gone := r.unavailable[key]; gone {
		return true
	}

	r.absent[key]++
	if r.absent[key] < r.cfg.AttemptCap {
		return false
	}

	delete(r.absent, key)
	r.unavailable[key] = instant
	return true
}

// Resolve clears the absence count for an instant that was eventually fetched.
func (r *Reconciler) Resolve(instant time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.absent, instant.UnixNano())
}

// Unavailable returns instants marked permanently unavailable, oldest first.
func (r *Reconciler) Unavailable() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]time.Time, 0, len(r.unavailable))
	for _, t := range r.unavailable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Prune forgets ledger entries older than before.
func (r *Reconciler) Prune(before time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := before.UnixNano()
	for key := range r.absent {
		if key < cutoff {
			delete(r.absent, key)
		}
	}
	for key := range r.unavailable {
		if key < cutoff {
			delete(r.unavailable, key)
		}
	}
}

// Reset forgets all absences.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.absent = make(map[int64]int)
	r.unavailable = make(map[int64]time.Time)
}
