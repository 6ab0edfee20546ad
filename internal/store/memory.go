// Package store provides the persistence adapters behind the core ports:
// an in-memory store for tests and single-node deployments, a Postgres store
// for production, a Redis-backed cooldown index, a Supabase-backed target
// store for managed deployments, and a Spanner wallet store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/watchmesh/backend/internal/core"
)

// Memory implements every core store port with mutex-guarded maps.
// Single-row atomicity per entity falls out of the store-wide lock.
type Memory struct {
	mu        sync.RWMutex
	targets   map[string]*core.Target
	checks    map[string]*core.Check
	byTarget  map[string][]string // targetID -> check IDs in insertion order
	incidents map[string]*core.Incident
	wallets   map[string]*core.ProberWallet
	ledgers   map[string][]*core.LedgerEntry // proberID -> entries, newest last
	ledgerIdx map[string]bool                // checkID -> credited
	cooldowns map[string]time.Time           // proberID|targetID -> last submitted
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		targets:   make(map[string]*core.Target),
		checks:    make(map[string]*core.Check),
		byTarget:  make(map[string][]string),
		incidents: make(map[string]*core.Incident),
		wallets:   make(map[string]*core.ProberWallet),
		ledgers:   make(map[string][]*core.LedgerEntry),
		ledgerIdx: make(map[string]bool),
		cooldowns: make(map[string]time.Time),
	}
}

// ---------------------------------------------------------------------------
// TargetStore
// ---------------------------------------------------------------------------

func (m *Memory) CreateTarget(ctx context.Context, t *core.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.targets[t.ID] = &cp
	return nil
}

func (m *Memory) GetTarget(ctx context.Context, id string) (*core.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, core.Ef(core.NotFound, "store.GetTarget", "target %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTarget(ctx context.Context, t *core.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[t.ID]; !ok {
		return core.Ef(core.NotFound, "store.UpdateTarget", "target %s not found", t.ID)
	}
	cp := *t
	m.targets[t.ID] = &cp
	return nil
}

func (m *Memory) DeleteTarget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return core.Ef(core.NotFound, "store.DeleteTarget", "target %s not found", id)
	}
	delete(m.targets, id)
	return nil
}

func (m *Memory) ListTargets(ctx context.Context, ownerID string) ([]*core.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Target
	for _, t := range m.targets {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveTargets(ctx context.Context) ([]*core.Target, error) {
	all, _ := m.ListTargets(ctx, "")
	var out []*core.Target
	for _, t := range all {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// CheckStore
// ---------------------------------------------------------------------------

func (m *Memory) SaveCheck(ctx context.Context, c *core.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.checks[c.ID] = &cp
	m.byTarget[c.TargetID] = append(m.byTarget[c.TargetID], c.ID)
	return nil
}

func (m *Memory) GetCheck(ctx context.Context, id string) (*core.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[id]
	if !ok {
		return nil, core.Ef(core.NotFound, "store.GetCheck", "check %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListChecks(ctx context.Context, targetID string, since time.Time) ([]*core.Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Check
	for _, id := range m.byTarget[targetID] {
		c := m.checks[id]
		if c.Timestamp.Before(since) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) LatestCheck(ctx context.Context, targetID string) (*core.Check, error) {
	checks, _ := m.ListChecks(ctx, targetID, time.Time{})
	if len(checks) == 0 {
		return nil, core.Ef(core.NotFound, "store.LatestCheck", "no checks for target %s", targetID)
	}
	return checks[0], nil
}

func (m *Memory) SettlePayment(ctx context.Context, checkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[checkID]
	if !ok {
		return core.Ef(core.NotFound, "store.SettlePayment", "check %s not found", checkID)
	}
	c.PaymentSettled = true
	return nil
}

func (m *Memory) AnnotateOverrun(ctx context.Context, checkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[checkID]
	if !ok {
		return core.Ef(core.NotFound, "store.AnnotateOverrun", "check %s not found", checkID)
	}
	if c.Success || c.ErrorKind == core.ErrKindOverrun {
		return nil
	}
	c.ErrorMessage = c.ErrorKind + ": " + c.ErrorMessage
	c.ErrorKind = core.ErrKindOverrun
	return nil
}

// ---------------------------------------------------------------------------
// IncidentStore
// ---------------------------------------------------------------------------

func (m *Memory) OpenIncident(ctx context.Context, inc *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.incidents {
		if existing.TargetID == inc.TargetID && existing.Open() {
			return core.Ef(core.Conflict, "store.OpenIncident",
				"target %s already has open incident %s", inc.TargetID, existing.ID)
		}
	}
	cp := *inc
	m.incidents[inc.ID] = &cp
	return nil
}

func (m *Memory) ResolveIncident(ctx context.Context, inc *core.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.incidents[inc.ID]
	if !ok {
		return core.Ef(core.NotFound, "store.ResolveIncident", "incident %s not found", inc.ID)
	}
	if !existing.Open() {
		return nil // resolution is set exactly once
	}
	cp := *inc
	m.incidents[inc.ID] = &cp
	return nil
}

func (m *Memory) GetIncident(ctx context.Context, id string) (*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, core.Ef(core.NotFound, "store.GetIncident", "incident %s not found", id)
	}
	cp := *inc
	return &cp, nil
}

func (m *Memory) GetOpenIncident(ctx context.Context, targetID string) (*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inc := range m.incidents {
		if inc.TargetID == targetID && inc.Open() {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListIncidents(ctx context.Context, targetID string, limit int) ([]*core.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Incident
	for _, inc := range m.incidents {
		if targetID != "" && inc.TargetID != targetID {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// WalletStore
// ---------------------------------------------------------------------------

func (m *Memory) Credit(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledgerIdx[entry.CheckID] {
		return false, nil
	}
	w, ok := m.wallets[entry.ProberID]
	if !ok {
		w = &core.ProberWallet{ProberID: entry.ProberID}
		m.wallets[entry.ProberID] = w
	}
	w.BalanceMinorUnits += entry.AmountMinorUnits
	w.UpdatedAt = entry.CreditedAt
	cp := *entry
	m.ledgers[entry.ProberID] = append(m.ledgers[entry.ProberID], &cp)
	m.ledgerIdx[entry.CheckID] = true
	return true, nil
}

func (m *Memory) GetWallet(ctx context.Context, proberID string) (*core.ProberWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[proberID]
	if !ok {
		return nil, core.Ef(core.NotFound, "store.GetWallet", "wallet for prober %s not found", proberID)
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) ListLedger(ctx context.Context, proberID string, limit int) ([]*core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.ledgers[proberID]
	out := make([]*core.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		cp := *entries[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// CooldownStore
// ---------------------------------------------------------------------------

func cooldownKey(proberID, targetID string) string { return proberID + "|" + targetID }

func (m *Memory) LastSubmitted(ctx context.Context, proberID, targetID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.cooldowns[cooldownKey(proberID, targetID)]
	return at, ok, nil
}

func (m *Memory) Stamp(ctx context.Context, proberID, targetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[cooldownKey(proberID, targetID)] = at
	return nil
}
