// Package gateway accepts ad-hoc probe submissions from community probers
// and manual probes from owners. The gateway never trusts a caller's claim
// about an outcome: every submission runs the real executor server-side and
// only the prober identity and location survive from the request.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/ingest"
	"github.com/watchmesh/backend/internal/metrics"
)

// DefaultCooldown is the minimum gap between submissions by one prober
// against one target.
const DefaultCooldown = 300 * time.Second

// storeRetryDelay is the single retry pause for a store Unavailable.
const storeRetryDelay = 50 * time.Millisecond

// Runner executes one probe attempt. Satisfied by *probe.Registry.
type Runner interface {
	Execute(ctx context.Context, target *core.Target, location string) core.CheckOutcome
}

// Sink is the result pipeline. Satisfied by *ingest.Processor.
type Sink interface {
	Process(ctx context.Context, res ingest.Result) (*core.Check, error)
}

// AvailableTarget is what a prober sees when browsing work.
type AvailableTarget struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Kind    string   `json:"kind"`
	Regions []string `json:"regions,omitempty"`
}

// Gateway funnels non-scheduled probes into the shared pipeline.
type Gateway struct {
	targets   core.TargetStore
	cooldowns core.CooldownStore
	runner    Runner
	sink      Sink
	metrics   *metrics.Metrics
	logger    *log.Logger

	cooldown time.Duration
	now      func() time.Time
}

// Option tweaks gateway construction.
type Option func(*Gateway)

// WithCooldown overrides the per-(prober, target) submission window.
func WithCooldown(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.cooldown = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds the gateway. m may be nil.
func New(targets core.TargetStore, cooldowns core.CooldownStore, runner Runner, sink Sink, m *metrics.Metrics, opts ...Option) *Gateway {
	g := &Gateway{
		targets:   targets,
		cooldowns: cooldowns,
		runner:    runner,
		sink:      sink,
		metrics:   m,
		logger:    log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SubmitProbe runs a community probe against a target and returns the
// persisted check. The probe executes server-side under the target's own
// timeout; a submission inside the cooldown window fails with Conflict
// carrying the remaining wait.
func (g *Gateway) SubmitProbe(ctx context.Context, proberID, targetID, locationTag string, loc *core.LocationDetails) (*core.Check, error) {
	const op = "gateway.SubmitProbe"
	if proberID == "" {
		g.recordSubmission("rejected")
		return nil, core.E(core.Invalid, op, errors.New("prober id required"))
	}
	if locationTag == "" {
		locationTag = "unspecified"
	}

	target, err := g.loadTarget(ctx, targetID)
	if err != nil {
		g.recordSubmission("rejected")
		return nil, err
	}
	if !target.Active {
		g.recordSubmission("rejected")
		return nil, core.Ef(core.Invalid, op, "target %s is not active", targetID)
	}

	now := g.now()
	last, ok, err := g.lastSubmitted(ctx, proberID, targetID)
	if err != nil {
		g.recordSubmission("rejected")
		return nil, err
	}
	if ok {
		if elapsed := now.Sub(last); elapsed < g.cooldown {
			remaining := g.cooldown - elapsed
			g.logger.Printf("❄️ Cooldown active for prober %s on %s (%s remaining)", proberID, targetID, remaining.Round(time.Second))
			g.recordSubmission("cooldown")
			return nil, core.EConflict(op, remaining)
		}
	}

	outcome := g.runner.Execute(ctx, target, locationTag)

	if err := g.cooldowns.Stamp(ctx, proberID, targetID, now); err != nil {
		// Probe already ran; a failed stamp only weakens the cooldown.
		g.logger.Printf("⚠️ Cooldown stamp failed for prober %s on %s: %v", proberID, targetID, err)
	}

	check, err := g.sink.Process(ctx, ingest.Result{
		Target:       target,
		Outcome:      &outcome,
		Actor:        core.ProbeActor{Role: core.RoleProber, ID: proberID},
		Region:       locationTag,
		LocationInfo: loc,
		Timestamp:    now,
	})
	if err != nil {
		g.recordSubmission("rejected")
		return nil, err
	}

	g.recordSubmission("accepted")
	g.logger.Printf("✅ Accepted probe from %s against %s (success=%v)", proberID, targetID, check.Success)
	return check, nil
}

// ListAvailableTargets returns the active targets this prober can submit
// against right now, i.e. those without a live cooldown.
func (g *Gateway) ListAvailableTargets(ctx context.Context, proberID string) ([]*AvailableTarget, error) {
	const op = "gateway.ListAvailableTargets"
	if proberID == "" {
		return nil, core.E(core.Invalid, op, errors.New("prober id required"))
	}

	active, err := g.targets.ListActiveTargets(ctx)
	if err != nil {
		return nil, core.Ef(core.Unavailable, op, "listing targets: %v", err)
	}

	now := g.now()
	out := make([]*AvailableTarget, 0, len(active))
	for _, t := range active {
		last, ok, err := g.cooldowns.LastSubmitted(ctx, proberID, t.ID)
		if err != nil {
			return nil, core.Ef(core.Unavailable, op, "cooldown lookup for %s: %v", t.ID, err)
		}
		if ok && now.Sub(last) < g.cooldown {
			continue
		}
		out = append(out, &AvailableTarget{
			ID:      t.ID,
			Name:    t.Name,
			URL:     t.URL,
			Kind:    string(t.Kind),
			Regions: t.Regions,
		})
	}
	return out, nil
}

// ManualProbe fires an immediate probe for the target's owner or an admin.
// Manual probes share the pipeline but never enqueue a payment.
func (g *Gateway) ManualProbe(ctx context.Context, targetID, actorID string, role core.ActorRole) (*core.Check, error) {
	const op = "gateway.ManualProbe"
	if role != core.RoleOwner && role != core.RoleAdmin {
		return nil, core.Ef(core.Unauthorized, op, "role %q may not fire manual probes", role)
	}

	target, err := g.loadTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if role == core.RoleOwner && target.OwnerID != actorID {
		return nil, core.Ef(core.Unauthorized, op, "actor %s does not own target %s", actorID, targetID)
	}
	if !target.Active {
		return nil, core.Ef(core.Invalid, op, "target %s is not active", targetID)
	}

	region := "manual"
	if len(target.Regions) > 0 {
		region = target.Regions[0]
	}
	outcome := g.runner.Execute(ctx, target, region)

	return g.sink.Process(ctx, ingest.Result{
		Target:    target,
		Outcome:   &outcome,
		Actor:     core.ProbeActor{Role: role, ID: actorID},
		Region:    region,
		Timestamp: g.now(),
	})
}

// loadTarget fetches the target, retrying an Unavailable store once.
func (g *Gateway) loadTarget(ctx context.Context, targetID string) (*core.Target, error) {
	target, err := g.targets.GetTarget(ctx, targetID)
	if err != nil && core.IsKind(err, core.Unavailable) {
		time.Sleep(storeRetryDelay)
		target, err = g.targets.GetTarget(ctx, targetID)
	}
	return target, err
}

// lastSubmitted reads the cooldown stamp, retrying an Unavailable store once.
func (g *Gateway) lastSubmitted(ctx context.Context, proberID, targetID string) (time.Time, bool, error) {
	last, ok, err := g.cooldowns.LastSubmitted(ctx, proberID, targetID)
	if err != nil && core.IsKind(err, core.Unavailable) {
		time.Sleep(storeRetryDelay)
		last, ok, err = g.cooldowns.LastSubmitted(ctx, proberID, targetID)
	}
	return last, ok, err
}

func (g *Gateway) recordSubmission(result string) {
	if g.metrics != nil {
		g.metrics.RecordSubmission(result)
	}
}
