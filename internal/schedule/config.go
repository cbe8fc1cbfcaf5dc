// Package schedule provides the adaptive polling interval predictor used to
// decide when a source should next be checked for fresh data.
package schedule

import (
	"errors"
	"time"
)

// Default tuning values.
const (
	DefaultMaxRetries      = 3
	DefaultMaxObservations = 10
	DefaultOutlierFactor   = 2.0
)

// Slack adaptation constants.
const (
	// MinSlack is the floor that low-variance sources converge toward.
	MinSlack = 15 * time.Second

	// MaxAdaptiveSlack caps the slack derived from observed jitter.
	MaxAdaptiveSlack = 120 * time.Second

	// Slack grows by slackGrowthNum/slackGrowthDen (x1.2) once the retry
	// budget of a cycle is exhausted.
	slackGrowthNum = 6
	slackGrowthDen = 5

	// stdDevWeight scales the observed standard deviation into slack.
	stdDevWeight = 1.5

	// minSamples is the number of samples required before learned values are used.
	minSamples = 3
)

// ErrInvalidConfig is returned when tuning values are inconsistent.
var ErrInvalidConfig = errors.New("invalid predictor config")

// Config holds the tuning constants for a Predictor.
type Config struct {
	// BaseInterval is the expected publication cadence before any samples are learned.
	BaseInterval time.Duration

	// InitialSlack is the slack used until enough samples are collected.
	InitialSlack time.Duration

	// MinimumInterval is the smallest delay ever scheduled outside retry mode.
	MinimumInterval time.Duration

	// MaximumInterval is the largest delay ever scheduled.
	MaximumInterval time.Duration

	// RetryInterval is the short delay used between retries after a miss.
	RetryInterval time.Duration

	// MaxRetries is the retry budget per cycle.
	// Default: 3
	MaxRetries int

	// MaxObservations is the capacity of the interval sample set.
	// Default: 10
	MaxObservations int

	// OutlierFactor multiplies MaximumInterval to form the upper bound for
	// accepted samples. Larger gaps are treated as outages, not cadence.
	// Default: 2
	OutlierFactor float64

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxObservations <= 0 {
		c.MaxObservations = DefaultMaxObservations
	}
	if c.OutlierFactor <= 0 {
		c.OutlierFactor = DefaultOutlierFactor
	}
	if c.BaseInterval == 0 {
		c.BaseInterval = c.MinimumInterval
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = c.MinimumInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Validate checks that the interval bounds are usable.
func (c Config) Validate() error {
	switch {
	case c.MinimumInterval <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("minimum interval must be positive"))
	case c.MaximumInterval < c.MinimumInterval:
		return errors.Join(ErrInvalidConfig, errors.New("maximum interval must not be below minimum interval"))
	case c.BaseInterval < 0 || c.RetryInterval < 0 || c.InitialSlack < 0:
		return errors.Join(ErrInvalidConfig, errors.New("intervals must not be negative"))
	}
	return nil
}
