package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/ingest"
	"github.com/watchmesh/backend/internal/metrics"
	"github.com/watchmesh/backend/internal/probe"
)

const (
	// defaultTick is how often the driver checks the heap head.
	defaultTick = 1 * time.Second

	// Store-error backoff bounds for the reload of a due target.
	backoffMin = 1 * time.Second
	backoffMax = 60 * time.Second

	// defaultGrace is how long Stop waits for in-flight probes to land
	// before aborting them.
	defaultGrace = 5 * time.Second
)

// Runner executes one probe attempt. Satisfied by *probe.Registry.
type Runner interface {
	Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome
}

// Sink receives finished probe results. Satisfied by *ingest.Processor.
type Sink interface {
	Process(ctx context.Context, res ingest.Result) (*core.Check, error)
}

var _ Runner = (*probe.Registry)(nil)

// inflightEntry tracks one running probe so a later due slot for the same
// target and region can be skipped instead of stacked.
type inflightEntry struct {
	skipped bool // a scheduled slot fired while this probe was still running
}

// Scheduler pops due targets off a min-heap every tick, re-reads each from
// the store to drop stale snapshots, and fans a probe out per region.
// Reinsertion uses prevDue+interval so long probes do not stretch the period.
type Scheduler struct {
	targets  core.TargetStore
	checks   core.CheckStore
	runner   Runner
	sink     Sink
	metrics  *metrics.Metrics
	logger   *log.Logger
	location func(region string) *core.LocationDetails

	mu       sync.Mutex
	sched    *schedule
	backoffs map[string]time.Duration  // targetID → current reload backoff
	inflight map[string]*inflightEntry // targetID|region

	now   func() time.Time
	tick  time.Duration
	tickC <-chan time.Time // test override; nil means own a ticker
	grace time.Duration    // drain window for in-flight probes on Stop

	cancel      context.CancelFunc
	probeCtx    context.Context
	probeCancel context.CancelFunc
	done        chan struct{}
	probeWG     sync.WaitGroup
	started     bool
}

// Option tweaks scheduler construction.
type Option func(*Scheduler)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval overrides the 1s driver tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithTickChannel drives ticks from an external channel instead of a timer.
// Tests use this to step the driver deterministically.
func WithTickChannel(c <-chan time.Time) Option {
	return func(s *Scheduler) { s.tickC = c }
}

// WithLocationResolver attaches region metadata to scheduled results.
func WithLocationResolver(fn func(region string) *core.LocationDetails) Option {
	return func(s *Scheduler) { s.location = fn }
}

// WithStopGrace overrides the 5s drain window Stop grants in-flight probes.
func WithStopGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New builds a stopped scheduler. m may be nil.
func New(targets core.TargetStore, checks core.CheckStore, runner Runner, sink Sink, m *metrics.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		targets:  targets,
		checks:   checks,
		runner:   runner,
		sink:     sink,
		metrics:  m,
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		sched:    newSchedule(),
		backoffs: make(map[string]time.Duration),
		inflight: make(map[string]*inflightEntry),
		now:      time.Now,
		tick:     defaultTick,
		grace:    defaultGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads every active target and begins the driver loop. Targets are
// due immediately on startup so a restart re-probes the fleet right away.
func (s *Scheduler) Start(ctx context.Context) error {
	const op = "scheduler.Start"

	active, err := s.targets.ListActiveTargets(ctx)
	if err != nil {
		return core.Ef(core.Unavailable, op, "loading active targets: %v", err)
	}

	now := s.now()
	s.mu.Lock()
	for _, t := range active {
		s.sched.upsert(t.ID, now, t.Version)
	}
	heapSize := s.sched.len()
	s.mu.Unlock()
	s.setHeapGauge(heapSize)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	// Probes outlive the driver loop: stopping the ticker must not abort a
	// probe that is mid-flight, so they get their own context.
	s.probeCtx, s.probeCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.started = true

	go s.loop(runCtx)
	s.logger.Printf("🚀 Scheduler started with %d active targets", len(active))
	return nil
}

// Stop halts the driver, then grants in-flight probes the grace window to
// finish and persist their outcomes before aborting whatever remains.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done

	drained := make(chan struct{})
	go func() {
		s.probeWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.grace):
		s.logger.Printf("⚠️ Probes still in flight after %s grace, aborting", s.grace)
		s.probeCancel()
		<-drained
	}
	s.probeCancel()
	s.started = false
	s.logger.Printf("✅ Scheduler stopped")
}

// Reload re-reads one target after a definition change. New and reactivated
// targets become due immediately; deactivated or deleted targets leave the
// schedule before the next tick fires them.
func (s *Scheduler) Reload(ctx context.Context, targetID string) {
	t, err := s.targets.GetTarget(ctx, targetID)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil && core.IsKind(err, core.NotFound):
		s.sched.remove(targetID)
	case err != nil:
		s.logger.Printf("⚠️ Reload of %s failed: %v", targetID, err)
	case !t.Active:
		s.sched.remove(targetID)
	default:
		s.sched.upsert(t.ID, s.now(), t.Version)
	}
	s.setHeapGauge(s.sched.len())
}

// PendingTargets reports how many targets are currently scheduled.
func (s *Scheduler) PendingTargets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched.len()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	tickC := s.tickC
	if tickC == nil {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue pops every due entry and launches its probes.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	for {
		s.mu.Lock()
		e := s.sched.popDue(now)
		heapSize := s.sched.len()
		s.mu.Unlock()
		s.setHeapGauge(heapSize)
		if e == nil {
			return
		}
		s.fire(ctx, e, now)
	}
}

// fire reloads the due target and fans one probe out per region.
func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	target, err := s.targets.GetTarget(ctx, e.targetID)
	if err != nil {
		if core.IsKind(err, core.NotFound) {
			s.logger.Printf("⚠️ Dropping deleted target %s from schedule", e.targetID)
			return
		}
		// Store outage: keep the slot, retry with exponential backoff.
		s.mu.Lock()
		backoff := s.backoffs[e.targetID]
		if backoff == 0 {
			backoff = backoffMin
		} else {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		s.backoffs[e.targetID] = backoff
		s.sched.upsert(e.targetID, now.Add(backoff), e.version)
		s.mu.Unlock()
		s.logger.Printf("⚠️ Reload of %s failed, retrying in %s: %v", e.targetID, backoff, err)
		return
	}
	s.mu.Lock()
	delete(s.backoffs, e.targetID)
	s.mu.Unlock()

	if !target.Active {
		return
	}
	if target.Version != e.version {
		s.logger.Printf("🔄 Target %s changed (v%d → v%d), using fresh definition", target.ID, e.version, target.Version)
	}

	// Reinsert before probing: the next due time anchors on this slot, not
	// on probe completion, so slow probes cannot stretch the interval.
	next := e.dueAt.Add(target.Interval())
	if next.Before(now) {
		next = now.Add(target.Interval())
	}
	s.mu.Lock()
	s.sched.upsert(target.ID, next, target.Version)
	s.mu.Unlock()

	regions := target.Regions
	if len(regions) == 0 {
		regions = []string{"default"}
	}
	for _, region := range regions {
		s.launch(ctx, target, region)
	}
}

// launch starts one probe goroutine unless the previous probe for the same
// target and region is still running, in which case the slot is skipped and
// the blocking probe is marked for overrun annotation.
func (s *Scheduler) launch(ctx context.Context, target *core.Target, region string) {
	key := target.ID + "|" + region

	s.mu.Lock()
	if running, ok := s.inflight[key]; ok {
		running.skipped = true
		s.mu.Unlock()
		s.logger.Printf("⚠️ Skipping slot for %s in %s: previous probe still in flight", target.ID, region)
		if s.metrics != nil {
			s.metrics.OverrunSkips.Inc()
		}
		return
	}
	inf := &inflightEntry{}
	s.inflight[key] = inf
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.InflightProbes.Inc()
	}

	s.probeWG.Add(1)
	go func() {
		defer s.probeWG.Done()
		defer func() {
			if s.metrics != nil {
				s.metrics.InflightProbes.Dec()
			}
		}()
		ctx := s.probeCtx

		start := s.now()
		outcome := s.runner.Execute(ctx, target, region)
		if s.metrics != nil {
			s.metrics.RecordProbe(string(target.Kind), region, outcome.Success, s.now().Sub(start))
		}

		res := ingest.Result{
			Target:    target,
			Outcome:   &outcome,
			Actor:     core.ProbeActor{Role: core.RoleScheduler},
			Region:    region,
			Timestamp: s.now(),
		}
		if s.location != nil {
			res.LocationInfo = s.location(region)
		}
		check, perr := s.sink.Process(ctx, res)
		if perr != nil {
			s.logger.Printf("❌ Result for %s in %s not processed: %v", target.ID, region, perr)
		}

		s.mu.Lock()
		skipped := inf.skipped
		delete(s.inflight, key)
		s.mu.Unlock()

		// A probe that outlived its own slot and failed gets its error kind
		// rewritten so the outage shows up as an overrun, not a plain error.
		if skipped && check != nil && !check.Success {
			if aerr := s.checks.AnnotateOverrun(ctx, check.ID); aerr != nil {
				s.logger.Printf("⚠️ Overrun annotation failed for check %s: %v", check.ID, aerr)
			}
		}
	}()
}

func (s *Scheduler) setHeapGauge(n int) {
	if s.metrics != nil {
		s.metrics.SchedulerHeapSize.Set(float64(n))
	}
}
