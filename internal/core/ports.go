package core

import (
	"context"
	"time"
)

// Store ports. Components receive these interfaces instead of reaching into
// each other's state: the scheduler reads targets, the result processor owns
// check/incident writes, the payment dispatcher owns wallet writes.

// TargetStore persists monitored targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, t *Target) error
	GetTarget(ctx context.Context, id string) (*Target, error)
	UpdateTarget(ctx context.Context, t *Target) error
	DeleteTarget(ctx context.Context, id string) error
	// ListTargets returns all targets, scoped to an owner when ownerID != "".
	ListTargets(ctx context.Context, ownerID string) ([]*Target, error)
	ListActiveTargets(ctx context.Context) ([]*Target, error)
}

// CheckStore persists immutable probe records.
type CheckStore interface {
	SaveCheck(ctx context.Context, c *Check) error
	GetCheck(ctx context.Context, id string) (*Check, error)
	// ListChecks returns checks for a target newer than since, newest first.
	// Backed by the (target_id, timestamp DESC) index.
	ListChecks(ctx context.Context, targetID string, since time.Time) ([]*Check, error)
	LatestCheck(ctx context.Context, targetID string) (*Check, error)
	// SettlePayment flips payment_settled false → true. A second call for the
	// same check is a no-op.
	SettlePayment(ctx context.Context, checkID string) error
	// AnnotateOverrun rewrites the error kind of a failed check whose probe
	// blocked a scheduled slot. No-op on successful checks.
	AnnotateOverrun(ctx context.Context, checkID string) error
}

// IncidentStore holds at most one open incident per target.
type IncidentStore interface {
	OpenIncident(ctx context.Context, inc *Incident) error
	ResolveIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	GetOpenIncident(ctx context.Context, targetID string) (*Incident, error)
	// ListIncidents returns incidents newest first, optionally filtered by
	// target. limit <= 0 means no limit.
	ListIncidents(ctx context.Context, targetID string, limit int) ([]*Incident, error)
}

// WalletStore owns prober balances and their append-only ledgers.
type WalletStore interface {
	// Credit applies a ledger entry and bumps the balance in one atomic step.
	// Returns false without error when the entry's check id is already in the
	// ledger (idempotent redelivery).
	Credit(ctx context.Context, entry *LedgerEntry) (applied bool, err error)
	GetWallet(ctx context.Context, proberID string) (*ProberWallet, error)
	// ListLedger returns the newest entries first. limit <= 0 means no limit.
	ListLedger(ctx context.Context, proberID string, limit int) ([]*LedgerEntry, error)
}

// CooldownStore tracks the last submission time per (prober, target) pair.
type CooldownStore interface {
	LastSubmitted(ctx context.Context, proberID, targetID string) (time.Time, bool, error)
	Stamp(ctx context.Context, proberID, targetID string, at time.Time) error
}

// EmailSender is the outbound mail port. The transport lives outside the
// engine; tests and email-disabled deployments plug in a no-op.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// PushUpdate is the payload published on the live channels.
type PushUpdate struct {
	TargetID       string    `json:"target_id"`
	Status         string    `json:"status"` // "up" or "down"
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	Region         string    `json:"region"`
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason,omitempty"`
}

// PushPublisher delivers real-time status updates to subscribers.
// Topics follow "monitor:update/{targetId}" and "incident:{opened,resolved}/{targetId}".
type PushPublisher interface {
	Publish(ctx context.Context, topic string, update *PushUpdate) error
}
