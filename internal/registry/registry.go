// Package registry is the composition root of supervised sources. Other
// subsystems talk to sources only through a Registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/lifecycle"
	"github.com/homedeck/homedeck/internal/supervisor"
	"github.com/homedeck/homedeck/internal/telemetry"
)

// Predefined registry errors.
var (
	// ErrSourceExists is returned when registering a duplicate source id.
	ErrSourceExists = errors.New("source already registered")

	// ErrSourceNotFound is returned for an unknown source id.
	ErrSourceNotFound = errors.New("source not found")
)

// Config holds the shared collaborators handed to every supervisor.
type Config struct {
	Logger zerolog.Logger

	// Dispatcher delivers events of all sources. If nil, the registry
	// creates one and closes it in Close.
	Dispatcher *events.Dispatcher

	// Metrics records fetch telemetry. Optional.
	Metrics *telemetry.SourceMetrics
}

// Registry tracks supervised sources. It aggregates per-source operations
// but never serializes them: each source runs under its own supervisor.
type Registry struct {
	logger         zerolog.Logger
	dispatcher     *events.Dispatcher
	ownsDispatcher bool
	metrics        *telemetry.SourceMetrics

	mu      sync.RWMutex
	sources map[string]*supervisor.Supervisor
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	r := &Registry{
		logger:     cfg.Logger,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		sources:    make(map[string]*supervisor.Supervisor),
	}
	if r.dispatcher == nil {
		r.dispatcher = events.NewDispatcher(cfg.Logger)
		r.ownsDispatcher = true
	}
	return r
}

// Register creates a stopped supervisor for the source in cfg. The
// registry's logger, dispatcher and metrics replace those in cfg.
func (r *Registry) Register(cfg supervisor.Config) (*supervisor.Supervisor, error) {
	cfg.Dispatcher = r.dispatcher
	cfg.Metrics = r.metrics
	cfg.Logger = r.logger

	sup, err := supervisor.New(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[sup.ID()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSourceExists, sup.ID())
	}
	r.sources[sup.ID()] = sup

	r.logger.Debug().Str("source_id", sup.ID()).Msg("source registered")
	return sup, nil
}

// Unregister stops the source and removes it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	sup, ok := r.sources[id]
	delete(r.sources, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if err := sup.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		return err
	}
	r.logger.Debug().Str("source_id", id).Msg("source unregistered")
	return nil
}

// Get returns the supervisor of a source.
func (r *Registry) Get(id string) (*supervisor.Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sup, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return sup, nil
}

// IDs returns the registered source ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

func (r *Registry) all() []*supervisor.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*supervisor.Supervisor, 0, len(r.sources))
	for _, sup := range r.sources {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// StartAll starts every stopped or faulted source concurrently. A source
// that fails to start does not affect the others; all failures are joined
// into the returned error.
func (r *Registry) StartAll(ctx context.Context) error {
	sups := r.all()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sup := range sups {
		if sup.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			if err := sup.Start(ctx); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
				r.logger.Error().Err(err).Str("source_id", sup.ID()).Msg("failed to start source")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sup)
	}
	wg.Wait()

	r.logger.Info().
		Int("sources", len(sups)).
		Int("failed", len(errs)).
		Msg("sources started")

	return errors.Join(errs...)
}

// StopAll stops every source.
func (r *Registry) StopAll() error {
	var errs []error
	for _, sup := range r.all() {
		if err := sup.Stop(); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stopping %s: %w", sup.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Start starts one source.
func (r *Registry) Start(ctx context.Context, id string) error {
	sup, err := r.Get(id)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

// Stop stops one source.
func (r *Registry) Stop(id string) error {
	sup, err := r.Get(id)
	if err != nil {
		return err
	}
	return sup.Stop()
}

// Restart restarts one source, clearing a fault.
func (r *Registry) Restart(ctx context.Context, id string) error {
	sup, err := r.Get(id)
	if err != nil {
		return err
	}
	return sup.Restart(ctx)
}

// Refresh requests an out-of-cycle fetch of one source.
func (r *Registry) Refresh(id string) error {
	sup, err := r.Get(id)
	if err != nil {
		return err
	}
	return sup.RefreshNow()
}

// RefreshAll requests an out-of-cycle fetch of every running source and
// returns how many accepted the request.
func (r *Registry) RefreshAll() int {
	n := 0
	for _, sup := range r.all() {
		if sup.RefreshNow() == nil {
			n++
		}
	}
	return n
}

// Status returns the snapshot of one source.
func (r *Registry) Status(id string) (supervisor.Status, error) {
	sup, err := r.Get(id)
	if err != nil {
		return supervisor.Status{}, err
	}
	return sup.Snapshot(), nil
}

// Statuses returns snapshots of all sources sorted by id.
func (r *Registry) Statuses() []supervisor.Status {
	sups := r.all()
	out := make([]supervisor.Status, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Snapshot())
	}
	return out
}

// Summary counts sources per status.
func (r *Registry) Summary() map[lifecycle.Status]int {
	counts := make(map[lifecycle.Status]int)
	for _, sup := range r.all() {
		counts[sup.State()]++
	}
	return counts
}

// Subscribe registers an event handler on the shared dispatcher.
func (r *Registry) Subscribe(h events.Handler) (unsubscribe func()) {
	return r.dispatcher.Subscribe(h)
}

// SubscribeChan streams events into a buffered channel.
func (r *Registry) SubscribeChan(buffer int) (<-chan events.Event, func()) {
	return r.dispatcher.SubscribeChan(buffer)
}

// Sync waits until all events published so far were delivered.
func (r *Registry) Sync() {
	r.dispatcher.Sync()
}

// Close stops every source and, if the registry created it, the dispatcher.
func (r *Registry) Close() error {
	err := r.StopAll()
	if r.ownsDispatcher {
		r.dispatcher.Close()
	}
	return err
}
