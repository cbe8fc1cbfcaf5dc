package schedule

import (
	"math"
	"sync"
	"time"
)

// Mode is the retry sub-state of a Predictor.
type Mode int

const (
	// ModeNormal schedules checks from the learned cadence.
	ModeNormal Mode = iota

	// ModeRetrying schedules short retries after a miss.
	ModeRetrying
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeRetrying {
		return "retrying"
	}
	return "normal"
}

// Snapshot is a consistent copy of a Predictor's state.
type Snapshot struct {
	Mode              Mode
	ConsecutiveMisses int
	CurrentSlack      time.Duration
	AverageInterval   time.Duration
	Samples           []time.Duration
	LastDataTimestamp time.Time
	LastCheckTime     time.Time
}

// Predictor learns the update cadence of one source and recommends when to
// check it next. All methods are safe for concurrent use.
type Predictor struct {
	cfg Config

	mu                sync.Mutex
	samples           []time.Duration
	currentSlack      time.Duration
	consecutiveMisses int
	lastDataTimestamp time.Time
	lastCheckTime     time.Time
}

// NewPredictor creates a predictor with the given tuning constants.
func NewPredictor(cfg Config) (*Predictor, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Predictor{
		cfg:          cfg,
		samples:      make([]time.Duration, 0, cfg.MaxObservations),
		currentSlack: cfg.InitialSlack,
	}, nil
}

// Config returns the tuning constants after defaults were applied.
func (p *Predictor) Config() Config {
	return p.cfg
}

// Seed primes the last data timestamp from a previously known observation
// without recording a sample.
func (p *Predictor) Seed(dataTimestamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dataTimestamp.After(p.lastDataTimestamp) {
		p.lastDataTimestamp = dataTimestamp
	}
}

// RecordSuccess records a confirmed fetch of data stamped with dataTimestamp.
// The interval since the previous observation becomes a sample only when it
// lies within [MinimumInterval, MaximumInterval*OutlierFactor].
func (p *Predictor) RecordSuccess(dataTimestamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastDataTimestamp.IsZero() && dataTimestamp.After(p.lastDataTimestamp) {
		interval := dataTimestamp.Sub(p.lastDataTimestamp)
		ceiling := time.Duration(float64(p.cfg.MaximumInterval) * p.cfg.OutlierFactor)
		if interval >= p.cfg.MinimumInterval && interval <= ceiling {
			p.samples = append(p.samples, interval)
			if len(p.samples) > p.cfg.MaxObservations {
				p.samples = p.samples[len(p.samples)-p.cfg.MaxObservations:]
			}
			p.adaptSlack()
		}
	}

	p.lastDataTimestamp = dataTimestamp
	p.lastCheckTime = p.cfg.Clock()
	p.consecutiveMisses = 0
}

// RecordMiss records a check that found no new data. Once the retry budget
// is exhausted the slack widens by 20%, capped at half the maximum interval.
func (p *Predictor) RecordMiss() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutiveMisses++
	p.lastCheckTime = p.cfg.Clock()

	if p.consecutiveMisses >= p.cfg.MaxRetries {
		grown := p.currentSlack * slackGrowthNum / slackGrowthDen
		if ceiling := p.cfg.MaximumInterval / 2; grown > ceiling {
			grown = ceiling
		}
		p.currentSlack = grown
	}
}

// adaptSlack derives slack from sample jitter. Callers hold p.mu.
func (p *Predictor) adaptSlack() {
	if len(p.samples) < minSamples {
		return
	}

	mean := p.meanSeconds()
	var sumSq float64
	for _, s := range p.samples {
		d := s.Seconds() - mean
		sumSq += d * d
	}
	stdDev := math.Sqrt(sumSq / float64(len(p.samples)))

	slack := time.Duration((stdDevWeight*stdDev + MinSlack.Seconds()) * float64(time.Second))
	switch {
	case slack < MinSlack:
		slack = MinSlack
	case slack > MaxAdaptiveSlack:
		slack = MaxAdaptiveSlack
	}
	p.currentSlack = slack
}

func (p *Predictor) meanSeconds() float64 {
	var sum float64
	for _, s := range p.samples {
		sum += s.Seconds()
	}
	return sum / float64(len(p.samples))
}

// averageInterval returns the sample mean, or zero without samples. Callers hold p.mu.
func (p *Predictor) averageInterval() time.Duration {
	if len(p.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range p.samples {
		sum += s
	}
	return sum / time.Duration(len(p.samples))
}

// AverageObservedInterval returns the mean of the retained samples.
func (p *Predictor) AverageObservedInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.averageInterval()
}

// Cadence returns the interval currently used for scheduling: the learned
// mean once enough samples exist, otherwise BaseInterval.
func (p *Predictor) Cadence() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cadence()
}

func (p *Predictor) cadence() time.Duration {
	if len(p.samples) >= minSamples {
		return p.averageInterval()
	}
	return p.cfg.BaseInterval
}

func (p *Predictor) mode() Mode {
	if p.consecutiveMisses > 0 && p.consecutiveMisses < p.cfg.MaxRetries {
		return ModeRetrying
	}
	return ModeNormal
}

// ShouldRetry reports whether the predictor is in short-cycle retry mode.
func (p *Predictor) ShouldRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode() == ModeRetrying
}

// NextCheckTime returns when the source should next be checked.
func (p *Predictor) NextCheckTime(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextCheckTime(now)
}

func (p *Predictor) nextCheckTime(now time.Time) time.Time {
	if p.mode() == ModeRetrying {
		return now.Add(p.cfg.RetryInterval)
	}

	var expected time.Time
	if p.lastDataTimestamp.IsZero() {
		expected = now.Add(p.cfg.MinimumInterval)
	} else {
		expected = p.lastDataTimestamp.Add(p.cadence() + p.currentSlack)
	}

	if earliest := now.Add(p.cfg.MinimumInterval); expected.Before(earliest) {
		return earliest
	}
	if latest := now.Add(p.cfg.MaximumInterval); expected.After(latest) {
		return latest
	}
	return expected
}

// DelayUntilNextCheck returns how long to wait before the next check. The
// floor is RetryInterval in retry mode and MinimumInterval otherwise.
func (p *Predictor) DelayUntilNextCheck(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	floor := p.cfg.MinimumInterval
	if p.mode() == ModeRetrying {
		floor = p.cfg.RetryInterval
	}

	delay := p.nextCheckTime(now).Sub(now)
	if delay < floor {
		return floor
	}
	return delay
}

// Reset discards all learned state. Tuning constants are kept and the slack
// returns to InitialSlack.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = p.samples[:0]
	p.currentSlack = p.cfg.InitialSlack
	p.consecutiveMisses = 0
	p.lastDataTimestamp = time.Time{}
	p.lastCheckTime = time.Time{}
}

// Snapshot returns a consistent copy of the predictor state.
func (p *Predictor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	samples := make([]time.Duration, len(p.samples))
	copy(samples, p.samples)

	return Snapshot{
		Mode:              p.mode(),
		ConsecutiveMisses: p.consecutiveMisses,
		CurrentSlack:      p.currentSlack,
		AverageInterval:   p.averageInterval(),
		Samples:           samples,
		LastDataTimestamp: p.lastDataTimestamp,
		LastCheckTime:     p.lastCheckTime,
	}
}
