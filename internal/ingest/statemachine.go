// Package ingest owns the write path for probe results: every outcome is
// funneled through per-target serial shards, persisted as a Check, and run
// through the incident state machine.
package ingest

import (
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// State is the per-target incident machine state.
type State int

const (
	StateHealthy State = iota
	StateFailing
	StateDown
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateFailing:
		return "FAILING"
	case StateDown:
		return "DOWN"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "HEALTHY"
	}
}

// Transition describes what a single check did to the machine.
// At most one of Opened/Resolved is set; Kind is "down", "up" or "".
type Transition struct {
	Kind     string
	Opened   *core.Incident
	Resolved *core.Incident
}

// Machine tracks consecutive failures and the open incident for one target.
// It is driven by exactly one processor shard, so it needs no locking.
type Machine struct {
	state State
	count int // consecutive failures in Failing, successes in Recovering
	open  *core.Incident
}

// NewMachine starts Healthy, or Down when an open incident survives a restart.
func NewMachine(openIncident *core.Incident) *Machine {
	m := &Machine{state: StateHealthy}
	if openIncident != nil {
		m.state = StateDown
		m.open = openIncident
	}
	return m
}

// State exposes the current machine state for the stats view.
func (m *Machine) State() State { return m.state }

// OpenIncident returns the incident currently held open, if any.
func (m *Machine) OpenIncident() *core.Incident { return m.open }

// Apply advances the machine with one ordered check and returns the
// transition to act on. The caller persists the incident and emits the
// notification; the machine only decides.
func (m *Machine) Apply(target *core.Target, check *core.Check, now time.Time) Transition {
	switch m.state {
	case StateHealthy:
		if !check.Success {
			m.state = StateFailing
			m.count = 1
			return m.maybeOpen(target, check)
		}

	case StateFailing:
		if check.Success {
			m.state = StateHealthy
			m.count = 0
			return Transition{}
		}
		m.count++
		return m.maybeOpen(target, check)

	case StateDown:
		if check.Success {
			m.state = StateRecovering
			m.count = 1
			return m.maybeResolve(target, check, now)
		}

	case StateRecovering:
		if !check.Success {
			// Incident stays open; no duplicate down notification. The
			// failed recovery run's end marker is stale now.
			m.state = StateDown
			m.count = 0
			if m.open != nil {
				m.open.EndCheckID = ""
			}
			return Transition{}
		}
		m.count++
		return m.maybeResolve(target, check, now)
	}
	return Transition{}
}

// maybeOpen opens the incident once the consecutive-failure count crosses
// the target's alert threshold.
func (m *Machine) maybeOpen(target *core.Target, check *core.Check) Transition {
	threshold := target.AlertThreshold
	if threshold < 1 {
		threshold = 1
	}
	if m.count < threshold {
		return Transition{}
	}

	m.state = StateDown
	m.open = &core.Incident{
		ID:           core.NewID("inc"),
		TargetID:     target.ID,
		StartCheckID: check.ID,
		StartedAt:    check.Timestamp,
		Reason:       check.ErrorKind,
		Region:       check.Location,
	}
	return Transition{Kind: "down", Opened: m.open}
}

// maybeResolve closes the incident once the consecutive-success count
// reaches the recovery threshold. The end check is the first success of the
// recovering run.
func (m *Machine) maybeResolve(target *core.Target, check *core.Check, now time.Time) Transition {
	threshold := target.RecoveryThreshold
	if threshold < 1 {
		threshold = 1
	}
	if m.count == 1 {
		// Remember the first recovering check as the eventual end marker.
		if m.open != nil && m.open.EndCheckID == "" {
			m.open.EndCheckID = check.ID
		}
	}
	if m.count < threshold {
		return Transition{}
	}

	inc := m.open
	m.state = StateHealthy
	m.count = 0
	m.open = nil
	if inc == nil {
		return Transition{}
	}

	resolvedAt := now
	inc.ResolvedAt = &resolvedAt
	inc.DurationMs = resolvedAt.Sub(inc.StartedAt).Milliseconds()
	return Transition{Kind: "up", Resolved: inc}
}
