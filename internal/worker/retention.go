package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/homedeck/homedeck/internal/observation"
)

// Retention defaults.
const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultPruneInterval = time.Hour
)

// RetentionConfig holds configuration for the observation retention job.
type RetentionConfig struct {
	Store observation.Repository

	// MaxAge is how long observations are kept.
	// Default: 30 days
	MaxAge time.Duration

	// Interval is the time between prune runs.
	// Default: 1 hour
	Interval time.Duration

	Logger zerolog.Logger
	Clock  func() time.Time
}

// RetentionStats summarises the runs of a RetentionJob.
type RetentionStats struct {
	Runs            int64
	Failures        int64
	Pruned          int64
	LastRunAt       time.Time
	LastRunDuration time.Duration
}

// RetentionJob periodically deletes observations older than MaxAge.
type RetentionJob struct {
	store    observation.Repository
	maxAge   time.Duration
	interval time.Duration
	logger   zerolog.Logger
	clock    func() time.Time

	mu    sync.RWMutex
	stats RetentionStats
}

// NewRetentionJob creates a new retention job.
func NewRetentionJob(cfg RetentionConfig) (*RetentionJob, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention job requires a store")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPruneInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RetentionJob{
		store:    cfg.Store,
		maxAge:   cfg.MaxAge,
		interval: cfg.Interval,
		logger:   cfg.Logger.With().Str("job", "retention").Logger(),
		clock:    cfg.Clock,
	}, nil
}

// Run prunes once immediately and then every interval until ctx is done.
func (j *RetentionJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn().Err(err).Msg("observation prune failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce deletes observations older than the retention and returns how
// many were removed.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	start := j.clock()
	cutoff := start.Add(-j.maxAge)

	removed, err := j.store.Prune(ctx, cutoff)
	duration := j.clock().Sub(start)

	j.mu.Lock()
	j.stats.Runs++
	j.stats.LastRunAt = start
	j.stats.LastRunDuration = duration
	if err != nil {
		j.stats.Failures++
	} else {
		j.stats.Pruned += removed
	}
	j.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("pruning observations: %w", err)
	}

	j.logger.Debug().
		Time("cutoff", cutoff).
		Int64("removed", removed).
		Dur("duration", duration).
		Msg("observations pruned")
	return removed, nil
}

// Stats returns a copy of the run statistics.
func (j *RetentionJob) Stats() RetentionStats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats
}
