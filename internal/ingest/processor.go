package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/events"
	"github.com/watchmesh/backend/internal/metrics"
)

// DefaultShardCount is the number of serial result lanes. Results for one
// target always land on the same lane, which is what makes the incident
// machine race-free without locks.
const DefaultShardCount = 16

// storeOpTimeout bounds each store write on the shard pipeline so a hung
// backend stalls one lane instead of wedging it forever.
const storeOpTimeout = 5 * time.Second

// Notifier receives incident transitions. Delivery is the notifier's
// problem; the processor only reports the transition once.
type Notifier interface {
	NotifyDown(target *core.Target, inc *core.Incident, check *core.Check)
	NotifyUp(target *core.Target, inc *core.Incident)
}

// PaymentEnqueuer queues a micro-payment for an accepted community probe.
type PaymentEnqueuer interface {
	Enqueue(check *core.Check, proberID string)
}

// Result is one probe outcome entering the write path.
type Result struct {
	Target       *core.Target
	Outcome      *core.CheckOutcome
	Actor        core.ProbeActor
	Region       string
	LocationInfo *core.LocationDetails
	Timestamp    time.Time
}

type reply struct {
	check *core.Check
	err   error
}

type job struct {
	res  Result
	done chan reply
}

type shard struct {
	jobs     chan job
	machines map[string]*Machine  // targetID → incident machine
	lastSeen map[string]time.Time // targetID|region → newest accepted ts
}

// Processor fans probe results across FNV-sharded serial workers. Each
// worker persists the check, advances the target's incident machine and
// triggers notifications, payments, push updates and events.
type Processor struct {
	checks    core.CheckStore
	incidents core.IncidentStore
	notifier  Notifier
	payments  PaymentEnqueuer
	push      core.PushPublisher
	emitter   events.EventEmitter
	metrics   *metrics.Metrics
	logger    *log.Logger

	shards []*shard
	states sync.Map // targetID → State, read by the stats view
	wg     sync.WaitGroup
	now    func() time.Time

	// closeMu fences Process against Close: submissions arriving during
	// shutdown get Unavailable instead of a send on a closed channel.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Option tweaks processor construction.
type Option func(*Processor)

// WithShardCount overrides the lane count; values < 1 fall back to the default.
func WithShardCount(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.shards = make([]*shard, n)
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires the write path and starts its shard workers.
// notifier, payments, push, emitter and m may be nil; nil collaborators are
// skipped, which keeps unit tests small.
func NewProcessor(checks core.CheckStore, incidents core.IncidentStore, notifier Notifier, payments PaymentEnqueuer, push core.PushPublisher, emitter events.EventEmitter, m *metrics.Metrics, opts ...Option) *Processor {
	p := &Processor{
		checks:    checks,
		incidents: incidents,
		notifier:  notifier,
		payments:  payments,
		push:      push,
		emitter:   emitter,
		metrics:   m,
		logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		shards:    make([]*shard, DefaultShardCount),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.emitter == nil {
		p.emitter = events.NopEmitter{}
	}

	for i := range p.shards {
		s := &shard{
			jobs:     make(chan job, 256),
			machines: make(map[string]*Machine),
			lastSeen: make(map[string]time.Time),
		}
		p.shards[i] = s
		p.wg.Add(1)
		go p.run(s)
	}
	p.logger.Printf("🚀 Result processor started with %d shards", len(p.shards))
	return p
}

// Process routes one result to its target's shard and waits for the
// persisted check. Safe for concurrent use from any number of probes.
func (p *Processor) Process(ctx context.Context, res Result) (*core.Check, error) {
	const op = "ingest.Process"
	if res.Target == nil || res.Outcome == nil {
		return nil, core.E(core.Invalid, op, errors.New("result missing target or outcome"))
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = p.now()
	}

	s := p.shards[shardIndex(res.Target.ID, len(p.shards))]
	j := job{res: res, done: make(chan reply, 1)}

	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return nil, core.Ef(core.Unavailable, op, "processor is shut down")
	}
	select {
	case s.jobs <- j:
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return nil, core.Ef(core.Unavailable, op, "result queue full: %v", ctx.Err())
	}

	select {
	case r := <-j.done:
		return r.check, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StateOf returns the live machine state for a target. ok is false when no
// result has been processed for it since startup.
func (p *Processor) StateOf(targetID string) (State, bool) {
	v, ok := p.states.Load(targetID)
	if !ok {
		return StateHealthy, false
	}
	return v.(State), true
}

// Close drains the shard workers. Pending jobs are processed before return;
// later Process calls fail with Unavailable.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		p.closeMu.Unlock()
		for _, s := range p.shards {
			close(s.jobs)
		}
	})
	p.wg.Wait()
	p.logger.Printf("✅ Result processor drained")
}

func (p *Processor) run(s *shard) {
	defer p.wg.Done()
	for j := range s.jobs {
		check, err := p.handle(s, j.res)
		j.done <- reply{check: check, err: err}
	}
}

// handle runs the full per-result pipeline on the shard goroutine.
func (p *Processor) handle(s *shard, res Result) (*core.Check, error) {
	const op = "ingest.handle"
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	target := res.Target

	// Out-of-order guard: a result older than the newest accepted one for the
	// same target and region is dropped, never persisted.
	orderKey := target.ID + "|" + res.Region
	if last, ok := s.lastSeen[orderKey]; ok && !res.Timestamp.After(last) {
		p.logger.Printf("⚠️ Dropping out-of-order result for %s in %s (ts %s <= %s)",
			target.ID, res.Region, res.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
		return nil, core.E(core.Invalid, op, errors.New("out-of-order result dropped"))
	}

	machine, ok := s.machines[target.ID]
	if !ok {
		open, err := p.incidents.GetOpenIncident(ctx, target.ID)
		if err != nil {
			return nil, core.Ef(core.Unavailable, op, "hydrating incident state for %s: %v", target.ID, err)
		}
		machine = NewMachine(open)
		s.machines[target.ID] = machine
		if open != nil {
			p.logger.Printf("🔄 Rehydrated %s as DOWN from open incident %s", target.ID, open.ID)
		}
	}

	check := &core.Check{
		ID:             core.NewID("chk"),
		TargetID:       target.ID,
		OwnerID:        target.OwnerID,
		Success:        res.Outcome.Success,
		StatusCode:     res.Outcome.StatusCode,
		ResponseTimeMs: res.Outcome.ResponseTimeMs,
		ErrorKind:      res.Outcome.ErrorKind,
		ErrorMessage:   res.Outcome.ErrorMessage,
		Location:       res.Region,
		LocationInfo:   res.LocationInfo,
		ProberID:       res.Actor.ID,
		Timestamp:      res.Timestamp,
	}
	if res.Actor.Role != core.RoleProber {
		check.ProberID = ""
	}
	if err := p.checks.SaveCheck(ctx, check); err != nil {
		return nil, core.Ef(core.Unavailable, op, "persisting check for %s: %v", target.ID, err)
	}
	s.lastSeen[orderKey] = res.Timestamp

	tr := machine.Apply(target, check, p.now())
	p.states.Store(target.ID, machine.State())

	switch {
	case tr.Opened != nil:
		p.openIncident(ctx, target, tr.Opened, check)
	case tr.Resolved != nil:
		p.resolveIncident(ctx, target, tr.Resolved)
	}

	if res.Actor.Paid() && p.payments != nil {
		p.payments.Enqueue(check, res.Actor.ID)
	}

	p.publishUpdate(ctx, target, check)

	if p.metrics != nil {
		p.metrics.RecordCheck(string(target.Kind), check.Success)
	}
	p.emitter.Emit(events.TypeCheckRecorded, "watchmesh/ingest", target.ID, map[string]interface{}{
		"check_id":         check.ID,
		"target_id":        target.ID,
		"success":          check.Success,
		"region":           check.Location,
		"response_time_ms": check.ResponseTimeMs,
	})
	return check, nil
}

func (p *Processor) openIncident(ctx context.Context, target *core.Target, inc *core.Incident, check *core.Check) {
	if err := p.incidents.OpenIncident(ctx, inc); err != nil {
		// A Conflict means an open incident already exists, which only happens
		// when two engines share a store. Adopt the stored one.
		if core.IsKind(err, core.Conflict) {
			if existing, gerr := p.incidents.GetOpenIncident(ctx, target.ID); gerr == nil && existing != nil {
				*inc = *existing
			}
			p.logger.Printf("⚠️ Incident for %s already open, adopting stored incident", target.ID)
		} else {
			p.logger.Printf("❌ Failed to open incident for %s: %v", target.ID, err)
			return
		}
	}
	p.logger.Printf("🔴 Incident %s opened for %s (%s in %s)", inc.ID, target.ID, inc.Reason, inc.Region)

	if p.notifier != nil {
		p.notifier.NotifyDown(target, inc, check)
	}
	if p.metrics != nil {
		p.metrics.RecordIncidentOpened(inc.Reason)
	}
	p.emitter.Emit(events.TypeIncidentOpened, "watchmesh/ingest", target.ID, map[string]interface{}{
		"incident_id": inc.ID,
		"target_id":   target.ID,
		"reason":      inc.Reason,
		"region":      inc.Region,
	})
}

func (p *Processor) resolveIncident(ctx context.Context, target *core.Target, inc *core.Incident) {
	if err := p.incidents.ResolveIncident(ctx, inc); err != nil {
		p.logger.Printf("❌ Failed to resolve incident %s: %v", inc.ID, err)
		return
	}
	p.logger.Printf("🟢 Incident %s resolved for %s after %dms", inc.ID, target.ID, inc.DurationMs)

	if p.notifier != nil {
		p.notifier.NotifyUp(target, inc)
	}
	if p.metrics != nil {
		p.metrics.RecordIncidentResolved(inc.Reason)
	}
	p.emitter.Emit(events.TypeIncidentResolved, "watchmesh/ingest", target.ID, map[string]interface{}{
		"incident_id": inc.ID,
		"target_id":   target.ID,
		"duration_ms": inc.DurationMs,
	})
}

func (p *Processor) publishUpdate(ctx context.Context, target *core.Target, check *core.Check) {
	if p.push == nil {
		return
	}
	status := "up"
	if !check.Success {
		status = "down"
	}
	update := &core.PushUpdate{
		TargetID:       target.ID,
		Status:         status,
		ResponseTimeMs: check.ResponseTimeMs,
		Region:         check.Location,
		Timestamp:      check.Timestamp,
		Reason:         check.ErrorKind,
	}
	if err := p.push.Publish(ctx, "monitor:update/"+target.ID, update); err != nil {
		p.logger.Printf("⚠️ Push publish failed for %s: %v", target.ID, err)
	}
}

func shardIndex(targetID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(targetID))
	return int(h.Sum32()) % n
}
