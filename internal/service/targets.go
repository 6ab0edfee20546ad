// Package service implements target lifecycle management: validation,
// ownership checks, version bumps and the scheduler reload hooks that keep
// the probe loop in sync with definition changes.
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/events"
)

// SchedulerHook lets the service nudge the scheduler after a definition
// change without owning it. Satisfied by *scheduler.Scheduler.
type SchedulerHook interface {
	Reload(ctx context.Context, targetID string)
}

// Defaults fill in optional target fields at creation time.
type Defaults struct {
	IntervalFloorSec  int
	AlertThreshold    int
	RecoveryThreshold int
	TimeoutMs         int
}

// StandardDefaults mirror the engine's shipped configuration.
func StandardDefaults() Defaults {
	return Defaults{
		IntervalFloorSec:  60,
		AlertThreshold:    3,
		RecoveryThreshold: 1,
		TimeoutMs:         30000,
	}
}

// Targets is the target CRUD service.
type Targets struct {
	store    core.TargetStore
	sched    SchedulerHook
	emitter  events.EventEmitter
	logger   *log.Logger
	defaults Defaults
}

// NewTargets wires the service. sched and emitter may be nil.
func NewTargets(store core.TargetStore, sched SchedulerHook, emitter events.EventEmitter, defaults Defaults) *Targets {
	if defaults == (Defaults{}) {
		defaults = StandardDefaults()
	}
	t := &Targets{
		store:    store,
		sched:    sched,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[TARGETS] ", log.LstdFlags),
		defaults: defaults,
	}
	if t.emitter == nil {
		t.emitter = events.NopEmitter{}
	}
	return t
}

// Create validates and persists a new target, then seeds its schedule slot.
// Newly created targets are always active; use Deactivate to pause them.
func (s *Targets) Create(ctx context.Context, t *core.Target) (*core.Target, error) {
	const op = "service.Targets.Create"
	if t.OwnerID == "" {
		return nil, core.E(core.Invalid, op, errors.New("owner id required"))
	}

	if t.IntervalSec == 0 {
		t.IntervalSec = s.defaults.IntervalFloorSec
	}
	if t.TimeoutMs == 0 {
		t.TimeoutMs = s.defaults.TimeoutMs
	}
	if t.AlertThreshold == 0 {
		t.AlertThreshold = s.defaults.AlertThreshold
	}
	if t.RecoveryThreshold == 0 {
		t.RecoveryThreshold = s.defaults.RecoveryThreshold
	}
	if err := t.Validate(s.defaults.IntervalFloorSec); err != nil {
		return nil, err
	}

	t.ID = core.NewID("tgt")
	t.Version = 1
	t.Active = true
	t.CreatedAt = time.Now()
	if err := s.store.CreateTarget(ctx, t); err != nil {
		return nil, err
	}

	if s.sched != nil {
		s.sched.Reload(ctx, t.ID)
	}
	s.emitter.Emit(events.TypeTargetCreated, "watchmesh/service", t.ID, map[string]interface{}{
		"target_id": t.ID,
		"owner_id":  t.OwnerID,
		"url":       t.URL,
		"kind":      string(t.Kind),
	})
	s.logger.Printf("✅ Created target %s (%s %s) for owner %s", t.ID, t.Kind, t.URL, t.OwnerID)
	return t, nil
}

// Update replaces the mutable definition fields, bumps the version and
// reschedules. Identity fields (id, owner, createdAt) never change.
func (s *Targets) Update(ctx context.Context, t *core.Target, actorID string, role core.ActorRole) (*core.Target, error) {
	existing, err := s.authorize(ctx, t.ID, actorID, role, "service.Targets.Update")
	if err != nil {
		return nil, err
	}

	t.OwnerID = existing.OwnerID
	t.CreatedAt = existing.CreatedAt
	if t.TimeoutMs == 0 {
		t.TimeoutMs = existing.TimeoutMs
	}
	if t.AlertThreshold == 0 {
		t.AlertThreshold = existing.AlertThreshold
	}
	if t.RecoveryThreshold == 0 {
		t.RecoveryThreshold = existing.RecoveryThreshold
	}
	if err := t.Validate(s.defaults.IntervalFloorSec); err != nil {
		return nil, err
	}

	t.Version = existing.Version + 1
	if err := s.store.UpdateTarget(ctx, t); err != nil {
		return nil, err
	}

	if s.sched != nil {
		s.sched.Reload(ctx, t.ID)
	}
	s.emitter.Emit(events.TypeTargetUpdated, "watchmesh/service", t.ID, map[string]interface{}{
		"target_id": t.ID,
		"version":   t.Version,
	})
	return t, nil
}

// Deactivate stops probing without deleting anything. An open incident is
// left open; nothing will ever resolve it until the target is reactivated.
func (s *Targets) Deactivate(ctx context.Context, targetID, actorID string, role core.ActorRole) error {
	existing, err := s.authorize(ctx, targetID, actorID, role, "service.Targets.Deactivate")
	if err != nil {
		return err
	}
	if !existing.Active {
		return nil
	}

	existing.Active = false
	existing.Version++
	if err := s.store.UpdateTarget(ctx, existing); err != nil {
		return err
	}

	if s.sched != nil {
		s.sched.Reload(ctx, targetID)
	}
	s.emitter.Emit(events.TypeTargetDeactivated, "watchmesh/service", targetID, map[string]interface{}{
		"target_id": targetID,
	})
	s.logger.Printf("⚠️ Deactivated target %s", targetID)
	return nil
}

// Delete removes the target definition. Checks and incidents are retained
// for audit; only the definition and its schedule slot go away.
func (s *Targets) Delete(ctx context.Context, targetID, actorID string, role core.ActorRole) error {
	if _, err := s.authorize(ctx, targetID, actorID, role, "service.Targets.Delete"); err != nil {
		return err
	}
	if err := s.store.DeleteTarget(ctx, targetID); err != nil {
		return err
	}

	if s.sched != nil {
		s.sched.Reload(ctx, targetID)
	}
	s.emitter.Emit(events.TypeTargetDeleted, "watchmesh/service", targetID, map[string]interface{}{
		"target_id": targetID,
	})
	s.logger.Printf("🗑️ Deleted target %s", targetID)
	return nil
}

// Get returns one target by id.
func (s *Targets) Get(ctx context.Context, targetID string) (*core.Target, error) {
	return s.store.GetTarget(ctx, targetID)
}

// List returns targets, scoped to an owner when ownerID != "".
func (s *Targets) List(ctx context.Context, ownerID string) ([]*core.Target, error) {
	return s.store.ListTargets(ctx, ownerID)
}

// authorize loads the target and checks the actor may mutate it: the owner
// of the target, or any admin.
func (s *Targets) authorize(ctx context.Context, targetID, actorID string, role core.ActorRole, op string) (*core.Target, error) {
	existing, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	switch role {
	case core.RoleAdmin:
	case core.RoleOwner:
		if existing.OwnerID != actorID {
			return nil, core.Ef(core.Unauthorized, op, "actor %s does not own target %s", actorID, targetID)
		}
	default:
		return nil, core.Ef(core.Unauthorized, op, "role %q may not mutate targets", role)
	}
	return existing, nil
}
