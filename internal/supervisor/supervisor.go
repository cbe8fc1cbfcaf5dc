package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/catchup"
	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/lifecycle"
	"github.com/homedeck/homedeck/internal/schedule"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/telemetry"
)

// Status is a read-only view of one supervised source.
type Status struct {
	ID                  string
	Status              lifecycle.Status
	IsRunning           bool
	LastRefresh         time.Time
	NextRefresh         time.Time
	LastError           string
	ConsecutiveFailures int
	CurrentSlack        time.Duration
	AverageInterval     time.Duration
	Mode                schedule.Mode
	Unavailable         []time.Time
}

// Supervisor owns the scheduling loop of one source.
//
// All outcome handling, status transitions and event publication happen
// under mu, and every result is tagged with the generation of the loop that
// produced it. Stop bumps the generation, so a fetch that completes after
// Stop is discarded and no event is published for it.
type Supervisor struct {
	id         string
	src        source.Source
	backfiller source.Backfiller
	seeder     source.Seeder
	cfg        Config
	logger     zerolog.Logger
	dispatcher *events.Dispatcher
	metrics    *telemetry.SourceMetrics

	predictor  *schedule.Predictor
	reconciler *catchup.Reconciler
	machine    *lifecycle.Machine

	refreshCh chan struct{}

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped supervisor.
func New(cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	predictor, err := schedule.NewPredictor(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("creating predictor: %w", err)
	}

	s := &Supervisor{
		id:         cfg.Source.ID(),
		src:        cfg.Source,
		cfg:        cfg,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		predictor:  predictor,
		reconciler: catchup.New(cfg.Catchup),
		refreshCh:  make(chan struct{}, 1),
	}
	s.logger = cfg.Logger.With().Str("source_id", s.id).Logger()
	s.machine = lifecycle.NewMachine(s.onTransition)

	if b, ok := cfg.Source.(source.Backfiller); ok {
		s.backfiller = b
	}
	if sd, ok := cfg.Source.(source.Seeder); ok {
		s.seeder = sd
	}

	return s, nil
}

// ID returns the source identifier.
func (s *Supervisor) ID() string {
	return s.id
}

// Source returns the supervised source.
func (s *Supervisor) Source() source.Source {
	return s.src
}

// onTransition runs inside Machine.Transition, which is only called with mu held.
func (s *Supervisor) onTransition(from, to lifecycle.Status) {
	s.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("source status changed")
	s.metrics.RecordTransition(s.id, from.String(), to.String())
	s.publish(events.NewStatusChanged(s.id, from, to))
}

func (s *Supervisor) publish(e events.Event) {
	if !s.dispatcher.Publish(e) {
		s.logger.Debug().Str("kind", string(e.Kind)).Msg("dispatcher closed, event dropped")
	}
}

// transition moves the machine to the given status. Callers hold mu.
func (s *Supervisor) transition(to lifecycle.Status) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Error().Err(err).Msg("rejected status transition")
	}
}

// settle moves to an active status from wherever the source currently is.
// Degraded is reached through Running while the source is still starting.
// Callers hold mu.
func (s *Supervisor) settle(to lifecycle.Status) {
	if to == lifecycle.Degraded && s.machine.Status() == lifecycle.Starting {
		s.transition(lifecycle.Running)
	}
	s.transition(to)
}

func (s *Supervisor) now() time.Time {
	return s.predictor.Config().Clock()
}

// Start runs initialization and launches the scheduling loop. Initialization
// seeds the predictor, runs one catch-up pass and performs a first fetch
// while the source is Starting. Start returns an error wrapping
// source.ErrFatal when initialization faulted the source.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if st := s.machine.Status(); st != lifecycle.Stopped && st != lifecycle.Faulted {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	prev := s.done
	s.mu.Unlock()

	// A previous loop may still be finishing an abandoned fetch.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if st := s.machine.Status(); st != lifecycle.Stopped && st != lifecycle.Faulted {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	select {
	case <-s.refreshCh:
	default:
	}
	s.transition(lifecycle.Starting)
	s.mu.Unlock()

	if err := s.initialize(ctx, gen); err != nil {
		close(done)
		return err
	}
	if err := ctx.Err(); err != nil {
		close(done)
		_ = s.Stop() //nolint:errcheck // already reporting ctx error
		return err
	}

	s.mu.Lock()
	switch {
	case gen != s.gen:
		s.mu.Unlock()
		close(done)
		return nil
	case s.machine.Status() == lifecycle.Faulted:
		lastErr := s.machine.Snapshot().LastError
		s.mu.Unlock()
		close(done)
		return fmt.Errorf("starting source %s: %w: %s", s.id, source.ErrFatal, lastErr)
	}
	s.mu.Unlock()

	go s.run(runCtx, gen, done, s.scheduleNext(gen))
	return nil
}

func (s *Supervisor) initialize(ctx context.Context, gen uint64) error {
	if s.seeder != nil {
		ts, ok, err := s.seeder.SeedObservation(ctx)
		switch {
		case err != nil && source.IsFatal(err):
			s.mu.Lock()
			s.applyFatal(gen, err)
			s.mu.Unlock()
			return fmt.Errorf("seeding source %s: %w", s.id, err)
		case err != nil:
			s.logger.Warn().Err(err).Msg("failed to load last observation")
		case ok:
			s.predictor.Seed(ts)
			s.logger.Debug().Time("observed_at", ts).Msg("seeded predictor")
		}
	}

	if !s.reconcile(ctx, gen) {
		return nil
	}
	s.fetch(ctx, gen, false)
	return nil
}

// Stop halts the loop. A pending wait is abandoned immediately; an
// in-flight fetch is left to finish and its result is discarded. Stopping
// a Faulted source leaves it Faulted.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.machine.Status()
	if st == lifecycle.Stopped {
		return ErrNotRunning
	}

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if st == lifecycle.Faulted {
		return nil
	}

	s.transition(lifecycle.Stopping)
	s.transition(lifecycle.Stopped)
	s.machine.SetNextRefresh(time.Time{})
	return nil
}

// Restart stops the source if needed, discards learned state and starts
// it again. It is the only way out of Faulted besides Start.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.predictor.Reset()
	s.reconciler.Reset()
	return s.Start(ctx)
}

// RefreshNow interrupts the current wait and fetches out of cycle. Requests
// made while a refresh is pending are coalesced.
func (s *Supervisor) RefreshNow() error {
	if !s.machine.Status().IsActive() {
		return ErrNotRunning
	}
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
	return nil
}

// State returns the lifecycle status.
func (s *Supervisor) State() lifecycle.Status {
	return s.machine.Status()
}

// IsRunning reports whether the scheduling loop is active.
func (s *Supervisor) IsRunning() bool {
	return s.machine.Status().IsActive()
}

// Snapshot returns a consistent view of the source for display.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	lc := s.machine.Snapshot()
	ps := s.predictor.Snapshot()
	s.mu.Unlock()

	return Status{
		ID:                  s.id,
		Status:              lc.Status,
		IsRunning:           lc.IsRunning(),
		LastRefresh:         lc.LastRefresh,
		NextRefresh:         lc.NextRefresh,
		LastError:           lc.LastError,
		ConsecutiveFailures: lc.ConsecutiveFailures,
		CurrentSlack:        ps.CurrentSlack,
		AverageInterval:     ps.AverageInterval,
		Mode:                ps.Mode,
		Unavailable:         s.reconciler.Unavailable(),
	}
}

func (s *Supervisor) run(ctx context.Context, gen uint64, done chan struct{}, first time.Duration) {
	defer close(done)

	var reconcileC <-chan time.Time
	if s.catchupEnabled() {
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()
		reconcileC = ticker.C
	}

	// Fetches outlive Stop; their results are dropped by generation.
	fetchCtx := context.WithoutCancel(ctx)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// select picks randomly when Stop races a ready timer.
			if ctx.Err() != nil {
				return
			}
			if !s.fetch(fetchCtx, gen, false) {
				return
			}
			timer.Reset(s.scheduleNext(gen))
		case <-s.refreshCh:
			if ctx.Err() != nil {
				return
			}
			timer.Stop()
			if !s.fetch(fetchCtx, gen, true) {
				return
			}
			timer.Reset(s.scheduleNext(gen))
		case <-reconcileC:
			if ctx.Err() != nil {
				return
			}
			if !s.reconcile(fetchCtx, gen) {
				return
			}
		}
	}
}

func (s *Supervisor) scheduleNext(gen uint64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	delay := s.predictor.DelayUntilNextCheck(now)
	if gen == s.gen {
		s.machine.SetNextRefresh(now.Add(delay))
	}
	return delay
}

func (s *Supervisor) catchupEnabled() bool {
	return s.backfiller != nil && s.cfg.CatchupWindow > 0
}

// call invokes a source operation with a timeout, converting panics into
// transient errors and fatal errors into Fatal outcomes.
func (s *Supervisor) call(ctx context.Context, op string, fn func(context.Context) (source.Outcome, error)) (out source.Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	ctx, span := s.metrics.StartFetch(ctx, s.id, op)
	defer func() {
		label := out.Kind.String()
		if err != nil {
			label = "error"
		}
		span.End(ctx, label, err)
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("operation", op).
				Str("stack", string(debug.Stack())).
				Msg("source panicked")
			out, err = source.Outcome{}, fmt.Errorf("%w: %v", ErrSourcePanic, r)
		}
	}()

	out, err = fn(ctx)
	if err != nil && source.IsFatal(err) {
		return source.Fatal(err.Error()), nil
	}
	return out, err
}

// fetch performs one fetch and applies its outcome. It returns false when
// the loop must halt.
func (s *Supervisor) fetch(ctx context.Context, gen uint64, manual bool) bool {
	out, err := s.call(ctx, "fetch", s.src.Fetch)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.logger.Debug().Msg("discarding fetch result of stopped loop")
		return false
	}

	now := s.now()
	switch {
	case err != nil:
		s.applyTransient(err, now, manual)
	case out.Kind == source.KindFatal:
		s.applyFatal(gen, out.Err())
		return false
	case out.Kind == source.KindNewData:
		s.predictor.RecordSuccess(out.Timestamp)
		s.machine.MarkSuccess(now)
		s.settle(lifecycle.Running)
		s.logger.Debug().Time("data_timestamp", out.Timestamp).Msg("received new data")
		s.publish(events.NewDataReceived(s.id, events.DataReceived{
			IsNewData: true,
			Timestamp: out.Timestamp,
			Payload:   out.Payload,
		}))
	default:
		s.applyNoData(out, now, manual)
	}
	return true
}

// applyNoData handles Unchanged, Miss and Absent. A manual refresh that
// finds nothing leaves the predictor alone. Callers hold mu.
func (s *Supervisor) applyNoData(out source.Outcome, now time.Time, manual bool) {
	s.machine.MarkChecked(now)
	if !manual {
		s.predictor.RecordMiss()
		stale := s.predictor.Snapshot().ConsecutiveMisses >= s.predictor.Config().MaxRetries
		if stale {
			s.settle(lifecycle.Degraded)
		} else {
			s.settle(lifecycle.Running)
		}
	}

	s.logger.Debug().
		Str("outcome", out.Kind.String()).
		Str("reason", out.Reason).
		Bool("manual", manual).
		Msg("no new data")

	if out.Kind == source.KindUnchanged {
		s.publish(events.NewDataReceived(s.id, events.DataReceived{
			IsNewData: false,
			Timestamp: out.Timestamp,
		}))
	}
}

// applyTransient records a recoverable failure. Callers hold mu.
func (s *Supervisor) applyTransient(err error, now time.Time, manual bool) {
	failures := s.machine.MarkFailure(err)
	next := s.machine.Snapshot().NextRefresh
	if !manual {
		s.predictor.RecordMiss()
		next = now.Add(s.predictor.DelayUntilNextCheck(now))
		s.settle(lifecycle.Degraded)
	}

	s.logger.Warn().
		Err(err).
		Int("consecutive_failures", failures).
		Time("next_retry", next).
		Bool("manual", manual).
		Msg("fetch failed")

	s.publish(events.NewError(s.id, events.Error{
		Message:   err.Error(),
		WillRetry: true,
		NextRetry: next,
	}))
}

// applyFatal faults the source. Callers hold mu.
func (s *Supervisor) applyFatal(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	s.machine.MarkFailure(err)
	s.machine.SetNextRefresh(time.Time{})
	s.transition(lifecycle.Faulted)

	s.logger.Error().Err(err).Msg("source faulted")

	s.publish(events.NewError(s.id, events.Error{
		Message: err.Error(),
		Fatal:   true,
	}))
}

// reconcile runs one catch-up pass. It returns false when the loop must halt.
func (s *Supervisor) reconcile(ctx context.Context, gen uint64) bool {
	if !s.catchupEnabled() {
		return true
	}

	now := s.now()
	w := catchup.Window{
		Start:   now.Add(-s.cfg.CatchupWindow),
		End:     now,
		Cadence: s.predictor.Config().BaseInterval,
	}
	s.reconciler.Prune(w.Start)

	missing := s.reconciler.Missing(w, func(instant time.Time) bool {
		return s.backfiller.CheckExists(ctx, instant)
	})
	if len(missing) == 0 {
		return true
	}
	s.logger.Debug().Int("missing", len(missing)).Msg("backfilling missing instants")

	for _, instant := range missing {
		if ctx.Err() != nil {
			return true
		}
		out, err := s.call(ctx, "backfill", func(ctx context.Context) (source.Outcome, error) {
			return s.backfiller.Backfill(ctx, instant)
		})
		if !s.applyBackfill(gen, instant, out, err) {
			return false
		}
	}
	return true
}

func (s *Supervisor) applyBackfill(gen uint64, instant time.Time, out source.Outcome, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}

	log := s.logger.With().Time("instant", instant).Logger()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("backfill failed")
	case out.Kind == source.KindFatal:
		s.applyFatal(gen, out.Err())
		return false
	case out.Kind == source.KindAbsent:
		if s.reconciler.ConfirmAbsent(instant) {
			log.Info().Str("reason", out.Reason).Msg("instant marked unavailable")
		}
	case out.Kind == source.KindNewData:
		s.reconciler.Resolve(instant)
		if out.Timestamp.After(s.predictor.Snapshot().LastDataTimestamp) {
			s.predictor.RecordSuccess(out.Timestamp)
			s.machine.MarkSuccess(s.now())
		}
		s.publish(events.NewDataReceived(s.id, events.DataReceived{
			IsNewData: true,
			Timestamp: out.Timestamp,
			Backfill:  true,
			Payload:   out.Payload,
		}))
	case out.Kind == source.KindUnchanged:
		s.reconciler.Resolve(instant)
	default:
		log.Debug().Str("reason", out.Reason).Msg("backfill found no data yet")
	}
	return true
}
