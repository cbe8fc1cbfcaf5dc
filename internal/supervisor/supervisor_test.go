package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homedeck/homedeck/internal/catchup"
	"github.com/homedeck/homedeck/internal/events"
	"github.com/homedeck/homedeck/internal/lifecycle"
	"github.com/homedeck/homedeck/internal/schedule"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/supervisor"
)

type step struct {
	out   source.Outcome
	err   error
	panic bool
}

// fakeSource replays scripted steps and repeats the last one forever.
type fakeSource struct {
	id string

	mu    sync.Mutex
	steps []step
	calls int
}

func newFakeSource(id string, steps ...step) *fakeSource {
	return &fakeSource{id: id, steps: steps}
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Fetch(_ context.Context) (source.Outcome, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++
	st := f.steps[idx]
	f.mu.Unlock()

	if st.panic {
		panic("decoder exploded")
	}
	if st.out.Kind == source.KindNewData && st.out.Timestamp.IsZero() {
		st.out.Timestamp = time.Now()
	}
	return st.out, st.err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) transitions() []events.StatusChanged {
	var out []events.StatusChanged
	for _, e := range c.all() {
		if e.Status != nil {
			out = append(out, *e.Status)
		}
	}
	return out
}

func (c *collector) hasTransition(from, to lifecycle.Status) bool {
	for _, tr := range c.transitions() {
		if tr.Old == from && tr.New == to {
			return true
		}
	}
	return false
}

func fastSchedule() schedule.Config {
	return schedule.Config{
		BaseInterval:    20 * time.Millisecond,
		InitialSlack:    5 * time.Millisecond,
		MinimumInterval: 10 * time.Millisecond,
		MaximumInterval: 50 * time.Millisecond,
		RetryInterval:   10 * time.Millisecond,
		MaxRetries:      3,
	}
}

func slowSchedule() schedule.Config {
	return schedule.Config{
		BaseInterval:    time.Hour,
		InitialSlack:    time.Minute,
		MinimumInterval: time.Hour,
		MaximumInterval: 2 * time.Hour,
		RetryInterval:   time.Hour,
	}
}

func newSupervisor(t *testing.T, src source.Source, mutate func(*supervisor.Config)) (*supervisor.Supervisor, *events.Dispatcher, *collector) {
	t.Helper()

	d := events.NewDispatcher(zerolog.Nop())
	c := &collector{}
	d.Subscribe(c.handle)

	cfg := supervisor.Config{
		Source:     src,
		Schedule:   fastSchedule(),
		Dispatcher: d,
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sup, err := supervisor.New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sup.Stop()
		d.Close()
	})
	return sup, d, c
}

func TestNew_InvalidConfig(t *testing.T) {
	d := events.NewDispatcher(zerolog.Nop())
	defer d.Close()

	tests := []struct {
		name string
		cfg  supervisor.Config
	}{
		{name: "no source", cfg: supervisor.Config{Dispatcher: d, Schedule: fastSchedule()}},
		{name: "no dispatcher", cfg: supervisor.Config{Source: newFakeSource("radar"), Schedule: fastSchedule()}},
		{name: "empty id", cfg: supervisor.Config{Source: newFakeSource(""), Dispatcher: d, Schedule: fastSchedule()}},
		{name: "negative window", cfg: supervisor.Config{Source: newFakeSource("radar"), Dispatcher: d, Schedule: fastSchedule(), CatchupWindow: -time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := supervisor.New(tt.cfg)
			assert.ErrorIs(t, err, supervisor.ErrInvalidConfig)
		})
	}

	_, err := supervisor.New(supervisor.Config{
		Source:     newFakeSource("radar"),
		Dispatcher: d,
		Schedule:   schedule.Config{MinimumInterval: time.Minute, MaximumInterval: time.Second},
	})
	assert.ErrorIs(t, err, schedule.ErrInvalidConfig)
}

func TestSupervisor_StartAndStop(t *testing.T) {
	src := newFakeSource("radar", step{out: source.NewData([]byte("frame"), time.Time{})})
	sup, d, c := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, lifecycle.Running, sup.State())
	assert.True(t, sup.IsRunning())
	assert.ErrorIs(t, sup.Start(context.Background()), supervisor.ErrAlreadyRunning)

	snap := sup.Snapshot()
	assert.Equal(t, "radar", snap.ID)
	assert.False(t, snap.LastRefresh.IsZero())
	assert.True(t, snap.NextRefresh.After(snap.LastRefresh))

	require.NoError(t, sup.Stop())
	assert.ErrorIs(t, sup.Stop(), supervisor.ErrNotRunning)
	d.Sync()

	assert.Equal(t, []events.StatusChanged{
		{Old: lifecycle.Stopped, New: lifecycle.Starting},
		{Old: lifecycle.Starting, New: lifecycle.Running},
		{Old: lifecycle.Running, New: lifecycle.Stopping},
		{Old: lifecycle.Stopping, New: lifecycle.Stopped},
	}, c.transitions())

	var data []events.DataReceived
	for _, e := range c.all() {
		if e.Data != nil {
			data = append(data, *e.Data)
		}
	}
	require.Len(t, data, 1)
	assert.True(t, data[0].IsNewData)
	assert.Equal(t, []byte("frame"), data[0].Payload)

	assert.True(t, sup.Snapshot().NextRefresh.IsZero())
}

func TestSupervisor_FatalDuringStartFaults(t *testing.T) {
	tests := []struct {
		name string
		step step
	}{
		{name: "fatal outcome", step: step{out: source.Fatal("api key rejected")}},
		{name: "fatal error", step: step{err: errors.Join(source.ErrFatal, errors.New("unknown station"))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, d, c := newSupervisor(t, newFakeSource("quotes", tt.step), nil)

			err := sup.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, source.ErrFatal)
			assert.Equal(t, lifecycle.Faulted, sup.State())
			assert.False(t, sup.IsRunning())

			d.Sync()
			faulted := 0
			for _, tr := range c.transitions() {
				if tr.New == lifecycle.Faulted {
					faulted++
					assert.Equal(t, lifecycle.Starting, tr.Old)
				}
			}
			assert.Equal(t, 1, faulted)

			var fatalErrors int
			for _, e := range c.all() {
				if e.Error != nil && e.Error.Fatal {
					fatalErrors++
					assert.False(t, e.Error.WillRetry)
				}
			}
			assert.Equal(t, 1, fatalErrors)

			assert.NoError(t, sup.Stop(), "stopping a faulted source is a no-op")
			assert.Equal(t, lifecycle.Faulted, sup.State())
		})
	}
}

func TestSupervisor_StopIsPromptAndSilent(t *testing.T) {
	src := newFakeSource("radar", step{out: source.NewData(nil, time.Time{})})
	sup, d, c := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.NoError(t, sup.Start(context.Background()))

	start := time.Now()
	require.NoError(t, sup.Stop())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	d.Sync()
	count := len(c.all())
	time.Sleep(50 * time.Millisecond)
	d.Sync()
	assert.Len(t, c.all(), count)
	assert.Equal(t, 1, src.Calls())
}

// blockingSource blocks in Fetch until released.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	first   sync.Once
}

func (b *blockingSource) ID() string { return "ftp" }

func (b *blockingSource) Fetch(context.Context) (source.Outcome, error) {
	initial := false
	b.first.Do(func() { initial = true })
	if !initial {
		b.once.Do(func() { close(b.started) })
		<-b.release
	}
	return source.NewData(nil, time.Now()), nil
}

func TestSupervisor_InFlightResultDiscardedAfterStop(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	sup, d, c := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.RefreshNow())

	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("refresh did not start")
	}

	require.NoError(t, sup.Stop())
	d.Sync()
	count := len(c.all())

	close(src.release)
	time.Sleep(20 * time.Millisecond)
	d.Sync()

	assert.Len(t, c.all(), count)
	assert.Equal(t, lifecycle.Stopped, sup.State())
}

func TestSupervisor_TransientErrorDegradesAndRecovers(t *testing.T) {
	src := newFakeSource("forecast",
		step{out: source.NewData(nil, time.Time{})},
		step{err: errors.New("connection reset by peer")},
		step{out: source.NewData(nil, time.Time{})},
	)
	sup, d, c := newSupervisor(t, src, nil)

	require.NoError(t, sup.Start(context.Background()))

	assert.Eventually(t, func() bool {
		d.Sync()
		return c.hasTransition(lifecycle.Degraded, lifecycle.Running)
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, c.hasTransition(lifecycle.Running, lifecycle.Degraded))

	var transient *events.Error
	for _, e := range c.all() {
		if e.Error != nil {
			transient = e.Error
			break
		}
	}
	require.NotNil(t, transient)
	assert.True(t, transient.WillRetry)
	assert.False(t, transient.Fatal)
	assert.Equal(t, "connection reset by peer", transient.Message)
	assert.False(t, transient.NextRetry.IsZero())

	snap := sup.Snapshot()
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
}

func TestSupervisor_StaleSourceDegrades(t *testing.T) {
	src := newFakeSource("webcam",
		step{out: source.NewData(nil, time.Time{})},
		step{out: source.Miss("not published yet")},
	)
	sup, d, c := newSupervisor(t, src, nil)

	require.NoError(t, sup.Start(context.Background()))

	assert.Eventually(t, func() bool {
		d.Sync()
		return c.hasTransition(lifecycle.Running, lifecycle.Degraded)
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, src.Calls(), 4, "degrades only after the retry budget is spent")
	for _, e := range c.all() {
		assert.Nil(t, e.Error, "misses are not errors")
	}
}

func TestSupervisor_RefreshNowMissLeavesPredictorAlone(t *testing.T) {
	src := newFakeSource("radar",
		step{out: source.NewData(nil, time.Time{})},
		step{out: source.Miss("no new frame")},
	)
	sup, d, c := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.RefreshNow())

	assert.Eventually(t, func() bool { return src.Calls() == 2 }, time.Second, 5*time.Millisecond)
	d.Sync()

	snap := sup.Snapshot()
	assert.Equal(t, schedule.ModeNormal, snap.Mode)
	assert.Equal(t, lifecycle.Running, snap.Status)
	assert.Len(t, c.transitions(), 2)
}

func TestSupervisor_RefreshNowRequiresRunning(t *testing.T) {
	sup, _, _ := newSupervisor(t, newFakeSource("radar", step{out: source.Miss("")}), nil)
	assert.ErrorIs(t, sup.RefreshNow(), supervisor.ErrNotRunning)
}

func TestSupervisor_PanicIsTransient(t *testing.T) {
	src := newFakeSource("tides", step{panic: true})
	sup, _, _ := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.NoError(t, sup.Start(context.Background()))

	snap := sup.Snapshot()
	assert.Equal(t, lifecycle.Degraded, snap.Status)
	assert.Contains(t, snap.LastError, "decoder exploded")
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestSupervisor_RestartFromFaulted(t *testing.T) {
	src := newFakeSource("quotes",
		step{out: source.Fatal("rate plan expired")},
		step{out: source.NewData(nil, time.Time{})},
	)
	sup, _, _ := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = slowSchedule()
	})

	require.ErrorIs(t, sup.Start(context.Background()), source.ErrFatal)
	require.NoError(t, sup.Restart(context.Background()))

	snap := sup.Snapshot()
	assert.Equal(t, lifecycle.Running, snap.Status)
	assert.Empty(t, snap.LastError)
}

// archiveSource serves a fixed history for catch-up tests.
type archiveSource struct {
	mu       sync.Mutex
	held     map[time.Time]bool
	absent   map[time.Time]bool
	requests []time.Time
	seed     time.Time
}

func (a *archiveSource) ID() string { return "satellite" }

func (a *archiveSource) Fetch(context.Context) (source.Outcome, error) {
	return source.Unchanged(a.seed), nil
}

func (a *archiveSource) CheckExists(_ context.Context, instant time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[instant]
}

func (a *archiveSource) Backfill(_ context.Context, instant time.Time) (source.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, instant)
	if a.absent[instant] {
		return source.Absent("gap in publication"), nil
	}
	a.held[instant] = true
	return source.NewData(nil, instant), nil
}

func (a *archiveSource) SeedObservation(context.Context) (time.Time, bool, error) {
	return a.seed, true, nil
}

func TestSupervisor_CatchupOnStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

	src := &archiveSource{
		held:   map[time.Time]bool{at(11, 40): true},
		absent: map[time.Time]bool{at(12, 0): true},
		seed:   at(11, 30),
	}
	sup, d, c := newSupervisor(t, src, func(cfg *supervisor.Config) {
		cfg.Schedule = schedule.Config{
			BaseInterval:    10 * time.Minute,
			MinimumInterval: time.Hour,
			MaximumInterval: 2 * time.Hour,
			Clock:           func() time.Time { return now },
		}
		cfg.CatchupWindow = 30 * time.Minute
		cfg.Catchup = catchup.Config{AttemptCap: 1}
		cfg.ReconcileInterval = time.Hour
	})

	require.NoError(t, sup.Start(context.Background()))
	d.Sync()

	assert.Equal(t, []time.Time{at(11, 50), at(12, 0)}, src.requests)
	assert.Equal(t, []time.Time{at(12, 0)}, sup.Snapshot().Unavailable)

	var backfilled []time.Time
	for _, e := range c.all() {
		if e.Data != nil && e.Data.Backfill {
			backfilled = append(backfilled, e.Data.Timestamp)
		}
	}
	assert.Equal(t, []time.Time{at(11, 50)}, backfilled)
	assert.Equal(t, lifecycle.Running, sup.State())
	assert.Equal(t, now, sup.Snapshot().LastRefresh)
}

// gatedArchive holds the loop inside CheckExists once armed, so a refresh
// and a Stop can both be pending when the loop next selects.
type gatedArchive struct {
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	fetches atomic.Int32
}

func (g *gatedArchive) ID() string { return "satellite" }

func (g *gatedArchive) Fetch(context.Context) (source.Outcome, error) {
	g.fetches.Add(1)
	return source.Unchanged(time.Now()), nil
}

func (g *gatedArchive) CheckExists(context.Context, time.Time) bool {
	if g.armed.CompareAndSwap(true, false) {
		g.entered <- struct{}{}
		<-g.release
	}
	return true
}

func (g *gatedArchive) Backfill(context.Context, time.Time) (source.Outcome, error) {
	return source.Absent("not archived"), nil
}

func TestSupervisor_NoFetchAfterStopWithPendingRefresh(t *testing.T) {
	for i := 0; i < 20; i++ {
		src := &gatedArchive{entered: make(chan struct{}), release: make(chan struct{})}
		sup, _, _ := newSupervisor(t, src, func(cfg *supervisor.Config) {
			cfg.Schedule = slowSchedule()
			cfg.CatchupWindow = time.Hour
			cfg.ReconcileInterval = 5 * time.Millisecond
		})

		require.NoError(t, sup.Start(context.Background()))
		require.Equal(t, int32(1), src.fetches.Load())

		src.armed.Store(true)
		select {
		case <-src.entered:
		case <-time.After(time.Second):
			t.Fatal("reconcile pass did not run")
		}

		require.NoError(t, sup.RefreshNow())
		require.NoError(t, sup.Stop())
		close(src.release)

		time.Sleep(15 * time.Millisecond)
		assert.Equal(t, int32(1), src.fetches.Load(), "iteration %d", i)
	}
}
