package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/ingest"
	"github.com/watchmesh/backend/internal/store"
)

// fakeClock advances only when the test says so.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRunner succeeds instantly and counts executions.
type countingRunner struct {
	runs int64
}

func (r *countingRunner) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	atomic.AddInt64(&r.runs, 1)
	return core.CheckOutcome{Success: true, ResponseTimeMs: 1}
}

func (r *countingRunner) count() int64 { return atomic.LoadInt64(&r.runs) }

// blockingRunner holds every probe until released.
type blockingRunner struct {
	release chan struct{}
	started chan struct{}
	outcome core.CheckOutcome
}

func (r *blockingRunner) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	r.started <- struct{}{}
	<-r.release
	return r.outcome
}

// storeSink persists each result as a check without the full processor.
type storeSink struct {
	checks core.CheckStore
	clock  *fakeClock
	count  int64
}

func (s *storeSink) Process(ctx context.Context, res ingest.Result) (*core.Check, error) {
	atomic.AddInt64(&s.count, 1)
	check := &core.Check{
		ID:           core.NewID("chk"),
		TargetID:     res.Target.ID,
		Success:      res.Outcome.Success,
		ErrorKind:    res.Outcome.ErrorKind,
		ErrorMessage: res.Outcome.ErrorMessage,
		Location:     res.Region,
		Timestamp:    res.Timestamp,
	}
	if err := s.checks.SaveCheck(ctx, check); err != nil {
		return nil, err
	}
	return check, nil
}

func activeTarget(t *testing.T, mem *store.Memory, intervalSec int) *core.Target {
	t.Helper()
	target := &core.Target{
		ID:             core.NewID("tgt"),
		OwnerID:        "owner-1",
		Name:           "example",
		URL:            "https://example.com",
		Kind:           core.KindHTTPS,
		IntervalSec:    intervalSec,
		TimeoutMs:      30000,
		Active:         true,
		Regions:        []string{"us-east"},
		AlertThreshold: 3,
		Version:        1,
	}
	require.NoError(t, mem.CreateTarget(context.Background(), target))
	return target
}

// startScheduler wires a scheduler on a fake clock and manual ticks.
func startScheduler(t *testing.T, mem *store.Memory, runner Runner, clock *fakeClock) (*Scheduler, chan time.Time) {
	t.Helper()
	ticks := make(chan time.Time)
	sink := &storeSink{checks: mem, clock: clock}
	s := New(mem, mem, runner, sink, nil,
		WithClock(clock.Now),
		WithTickChannel(ticks),
	)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, ticks
}

// tick advances the clock and delivers one driver tick.
func tick(clock *fakeClock, ticks chan time.Time, step time.Duration) {
	clock.Advance(step)
	ticks <- clock.Now()
}

func TestSchedulerRunCountStaysWithinDriftBound(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	target := activeTarget(t, mem, 5)
	runner := &countingRunner{}
	_, ticks := startScheduler(t, mem, runner, clock)

	// 30 simulated seconds at a 5s interval: the startup run plus 6 interval
	// runs, within the N±1 drift bound.
	for i := 0; i < 30; i++ {
		tick(clock, ticks, time.Second)
		// Let the probe goroutine finish so the next slot is never skipped.
		require.Eventually(t, func() bool {
			return runner.count() >= int64(i/5)
		}, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool {
		n := runner.count()
		return n >= 6 && n <= 8
	}, time.Second, 5*time.Millisecond, "got %d runs for 30s at 5s interval", runner.count())

	checks, err := mem.ListChecks(context.Background(), target.ID, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, checks)
}

func TestSchedulerSkipsSlotWhileProbeInflight(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	target := activeTarget(t, mem, 5)
	runner := &blockingRunner{
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
		outcome: core.CheckOutcome{Success: false, ErrorKind: core.ErrKindTimeout, ErrorMessage: "context deadline exceeded"},
	}
	_, ticks := startScheduler(t, mem, runner, clock)

	// First slot fires and blocks inside the runner.
	tick(clock, ticks, time.Second)
	<-runner.started

	// Two full intervals elapse while the probe is stuck: both slots must be
	// skipped, not stacked.
	tick(clock, ticks, 5*time.Second)
	tick(clock, ticks, 5*time.Second)

	close(runner.release)

	// The blocking probe failed and overran, so its persisted check is
	// rewritten as an overrun.
	require.Eventually(t, func() bool {
		checks, err := mem.ListChecks(context.Background(), target.ID, time.Time{})
		if err != nil || len(checks) != 1 {
			return false
		}
		return checks[0].ErrorKind == core.ErrKindOverrun
	}, 2*time.Second, 5*time.Millisecond)

	checks, err := mem.ListChecks(context.Background(), target.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, checks, 1, "skipped slots must not produce checks")
	assert.Contains(t, checks[0].ErrorMessage, core.ErrKindTimeout, "original kind survives in the message")
}

func TestSchedulerReloadDropsDeactivatedTarget(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	ctx := context.Background()
	target := activeTarget(t, mem, 5)
	runner := &countingRunner{}
	s, ticks := startScheduler(t, mem, runner, clock)

	require.Equal(t, 1, s.PendingTargets())

	target.Active = false
	require.NoError(t, mem.UpdateTarget(ctx, target))
	s.Reload(ctx, target.ID)
	assert.Equal(t, 0, s.PendingTargets(), "deactivated target leaves the schedule immediately")

	tick(clock, ticks, 10*time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runner.count(), "no probe may fire after deactivation")
}

func TestSchedulerReloadPicksUpNewTarget(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	ctx := context.Background()
	runner := &countingRunner{}
	s, ticks := startScheduler(t, mem, runner, clock)
	require.Equal(t, 0, s.PendingTargets())

	target := activeTarget(t, mem, 5)
	s.Reload(ctx, target.ID)
	require.Equal(t, 1, s.PendingTargets())

	tick(clock, ticks, time.Second)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)
}

// flakyTargets wraps the memory store and fails GetTarget on demand.
type flakyTargets struct {
	*store.Memory
	failing atomic.Bool
	gets    int64
}

func (f *flakyTargets) GetTarget(ctx context.Context, id string) (*core.Target, error) {
	atomic.AddInt64(&f.gets, 1)
	if f.failing.Load() {
		return nil, core.Ef(core.Unavailable, "store.GetTarget", "connection refused")
	}
	return f.Memory.GetTarget(ctx, id)
}

func TestSchedulerBacksOffOnStoreErrors(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyTargets{Memory: mem}
	clock := newFakeClock()
	target := activeTarget(t, mem, 5)
	runner := &countingRunner{}

	ticks := make(chan time.Time)
	sink := &storeSink{checks: mem, clock: clock}
	s := New(flaky, mem, runner, sink, nil, WithClock(clock.Now), WithTickChannel(ticks))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	flaky.failing.Store(true)

	// Due slot fails to reload: retried after 1s, then 2s.
	tick(clock, ticks, time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&flaky.gets) == 1 }, time.Second, time.Millisecond)

	// Not due again for a full backoff window.
	tick(clock, ticks, 100*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt64(&flaky.gets))

	tick(clock, ticks, time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt64(&flaky.gets) == 2 }, time.Second, time.Millisecond)

	// Recovery clears the backoff and the probe finally runs.
	flaky.failing.Store(false)
	tick(clock, ticks, 2*time.Second)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, time.Millisecond)

	checks, err := mem.ListChecks(context.Background(), target.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, checks, 1)
}

func TestScheduleHeapOrdersByDueTime(t *testing.T) {
	s := newSchedule()
	now := time.Now()
	s.upsert("c", now.Add(3*time.Second), 1)
	s.upsert("a", now.Add(1*time.Second), 1)
	s.upsert("b", now.Add(2*time.Second), 1)

	var order []string
	for {
		e := s.popDue(now.Add(5 * time.Second))
		if e == nil {
			break
		}
		order = append(order, e.targetID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	// upsert moves an existing entry instead of duplicating it.
	s.upsert("x", now, 1)
	s.upsert("x", now.Add(time.Minute), 2)
	assert.Equal(t, 1, s.len())
	assert.Nil(t, s.popDue(now))
}

// ctxAwareRunner aborts on context cancellation, like the real executors.
type ctxAwareRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *ctxAwareRunner) Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome {
	r.started <- struct{}{}
	select {
	case <-ctx.Done():
		return core.CheckOutcome{Success: false, ErrorKind: core.ErrKindTransport, ErrorMessage: ctx.Err().Error()}
	case <-r.release:
		return core.CheckOutcome{Success: true, ResponseTimeMs: 3}
	}
}

func TestStopGrantsInflightProbesGrace(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	runner := &ctxAwareRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	sink := &storeSink{checks: mem, clock: clock}
	ticks := make(chan time.Time)
	s := New(mem, mem, runner, sink, nil,
		WithClock(clock.Now), WithTickChannel(ticks), WithStopGrace(5*time.Second))

	target := activeTarget(t, mem, 60)
	require.NoError(t, s.Start(context.Background()))

	ticks <- time.Now()
	<-runner.started

	// Let the probe finish shortly after Stop begins draining.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(runner.release)
	}()
	s.Stop()

	checks, err := mem.ListChecks(context.Background(), target.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, checks, 1, "the in-flight probe's outcome must be persisted")
	assert.True(t, checks[0].Success, "stopping the driver must not abort the running probe")
}

func TestStopAbortsProbesAfterGrace(t *testing.T) {
	mem := store.NewMemory()
	clock := newFakeClock()
	runner := &ctxAwareRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	sink := &storeSink{checks: mem, clock: clock}
	ticks := make(chan time.Time)
	s := New(mem, mem, runner, sink, nil,
		WithClock(clock.Now), WithTickChannel(ticks), WithStopGrace(20*time.Millisecond))

	activeTarget(t, mem, 60)
	require.NoError(t, s.Start(context.Background()))

	ticks <- time.Now()
	<-runner.started

	// Never released: the probe only returns once its context is canceled.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must abort stuck probes after the grace window")
	}
}
