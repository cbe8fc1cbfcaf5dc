// Package supervisor drives the polling loop of a single source: it asks
// the predictor when to check, invokes the source, classifies the outcome
// and reports it through the lifecycle machine and the event dispatcher.
package supervisor

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/catchup"
	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/schedule"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultFetchTimeout      = 30 * time.Second
	DefaultReconcileInterval = 15 * time.Minute
)

// Predefined supervisor errors.
var (
	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("invalid supervisor config")

	// ErrAlreadyRunning is returned by Start when the loop is active.
	ErrAlreadyRunning = errors.New("source already running")

	// ErrNotRunning is returned when an operation needs an active loop.
	ErrNotRunning = errors.New("source not running")

	// ErrSourcePanic wraps a panic raised inside a source.
	ErrSourcePanic = errors.New("source panicked")
)

// Config holds the collaborators and tuning of a Supervisor.
type Config struct {
	// Source is the upstream to poll. If it also implements
	// source.Backfiller or source.Seeder those capabilities are used.
	Source source.Source

	// Schedule tunes the interval predictor.
	Schedule schedule.Config

	// CatchupWindow is the lookback reconciled on start and periodically.
	// Zero disables catch-up.
	CatchupWindow time.Duration

	// Catchup tunes the gap reconciler.
	Catchup catchup.Config

	// ReconcileInterval is the period of catch-up passes while running.
	// Default: 15 minutes
	ReconcileInterval time.Duration

	// FetchTimeout bounds a single fetch or backfill.
	// Default: 30 seconds
	FetchTimeout time.Duration

	// Dispatcher receives every event of this source. Required.
	Dispatcher *events.Dispatcher

	// Metrics records fetch telemetry. Optional.
	Metrics *telemetry.SourceMetrics

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

func (c Config) validate() error {
	switch {
	case c.Source == nil:
		return errors.Join(ErrInvalidConfig, errors.New("source is required"))
	case c.Source.ID() == "":
		return errors.Join(ErrInvalidConfig, errors.New("source id is required"))
	case c.Dispatcher == nil:
		return errors.Join(ErrInvalidConfig, errors.New("dispatcher is required"))
	case c.CatchupWindow < 0:
		return errors.Join(ErrInvalidConfig, errors.New("catch-up window must not be negative"))
	}
	return nil
}
