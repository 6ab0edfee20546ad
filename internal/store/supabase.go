package store

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/watchmesh/backend/internal/core"
)

// SupabaseTargets is a TargetStore backed by Supabase (managed Postgres over
// PostgREST). Deployments that keep targets in Supabase alongside the
// dashboard use this store for targets while checks/incidents stay in the
// engine's own Postgres.
type SupabaseTargets struct {
	client *supabase.Client
}

// supabaseTarget mirrors core.Target with Supabase timestamp strings.
type supabaseTarget struct {
	ID                 string   `json:"id"`
	OwnerID            string   `json:"owner_id"`
	OwnerEmail         string   `json:"owner_email"`
	Name               string   `json:"name"`
	URL                string   `json:"url"`
	Kind               string   `json:"kind"`
	IntervalSec        int      `json:"interval_sec"`
	TimeoutMs          int      `json:"timeout_ms"`
	ExpectedStatusCode int      `json:"expected_status_code"`
	Active             bool     `json:"active"`
	Regions            []string `json:"regions"`
	AlertThreshold     int      `json:"alert_threshold"`
	RecoveryThreshold  int      `json:"recovery_threshold"`
	AlertContacts      []string `json:"alert_contacts"`
	CreatedAt          string   `json:"created_at,omitempty"`
	Version            int64    `json:"version"`
}

// NewSupabaseTargets creates the client from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewSupabaseTargets() (*SupabaseTargets, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseTargets{client: client}, nil
}

func toSupabase(t *core.Target) *supabaseTarget {
	return &supabaseTarget{
		ID: t.ID, OwnerID: t.OwnerID, OwnerEmail: t.OwnerEmail, Name: t.Name,
		URL: t.URL, Kind: string(t.Kind), IntervalSec: t.IntervalSec,
		TimeoutMs: t.TimeoutMs, ExpectedStatusCode: t.ExpectedStatusCode,
		Active: t.Active, Regions: t.Regions, AlertThreshold: t.AlertThreshold,
		RecoveryThreshold: t.RecoveryThreshold, AlertContacts: t.AlertContacts,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339), Version: t.Version,
	}
}

func fromSupabase(s *supabaseTarget) *core.Target {
	createdAt, _ := time.Parse(time.RFC3339, s.CreatedAt)
	return &core.Target{
		ID: s.ID, OwnerID: s.OwnerID, OwnerEmail: s.OwnerEmail, Name: s.Name,
		URL: s.URL, Kind: core.TargetKind(s.Kind), IntervalSec: s.IntervalSec,
		TimeoutMs: s.TimeoutMs, ExpectedStatusCode: s.ExpectedStatusCode,
		Active: s.Active, Regions: s.Regions, AlertThreshold: s.AlertThreshold,
		RecoveryThreshold: s.RecoveryThreshold, AlertContacts: s.AlertContacts,
		CreatedAt: createdAt, Version: s.Version,
	}
}

func (sc *SupabaseTargets) CreateTarget(ctx context.Context, t *core.Target) error {
	var result []supabaseTarget
	_, err := sc.client.From("targets").
		Insert(toSupabase(t), false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return core.E(core.Unavailable, "store.CreateTarget", err)
	}
	return nil
}

func (sc *SupabaseTargets) GetTarget(ctx context.Context, id string) (*core.Target, error) {
	var targets []supabaseTarget
	_, err := sc.client.From("targets").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&targets)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.GetTarget", err)
	}
	if len(targets) == 0 {
		return nil, core.Ef(core.NotFound, "store.GetTarget", "target %s not found", id)
	}
	return fromSupabase(&targets[0]), nil
}

func (sc *SupabaseTargets) UpdateTarget(ctx context.Context, t *core.Target) error {
	var result []supabaseTarget
	_, err := sc.client.From("targets").
		Update(toSupabase(t), "", "").
		Eq("id", t.ID).
		ExecuteTo(&result)
	if err != nil {
		return core.E(core.Unavailable, "store.UpdateTarget", err)
	}
	return nil
}

func (sc *SupabaseTargets) DeleteTarget(ctx context.Context, id string) error {
	var result []supabaseTarget
	_, err := sc.client.From("targets").
		Delete("", "").
		Eq("id", id).
		ExecuteTo(&result)
	if err != nil {
		return core.E(core.Unavailable, "store.DeleteTarget", err)
	}
	return nil
}

func (sc *SupabaseTargets) ListTargets(ctx context.Context, ownerID string) ([]*core.Target, error) {
	query := sc.client.From("targets").Select("*", "", false)
	if ownerID != "" {
		query = query.Eq("owner_id", ownerID)
	}
	var targets []supabaseTarget
	if _, err := query.ExecuteTo(&targets); err != nil {
		return nil, core.E(core.Unavailable, "store.ListTargets", err)
	}
	out := make([]*core.Target, 0, len(targets))
	for i := range targets {
		out = append(out, fromSupabase(&targets[i]))
	}
	return out, nil
}

func (sc *SupabaseTargets) ListActiveTargets(ctx context.Context) ([]*core.Target, error) {
	var targets []supabaseTarget
	_, err := sc.client.From("targets").
		Select("*", "", false).
		Eq("active", "true").
		ExecuteTo(&targets)
	if err != nil {
		return nil, core.E(core.Unavailable, "store.ListActiveTargets", err)
	}
	out := make([]*core.Target, 0, len(targets))
	for i := range targets {
		out = append(out, fromSupabase(&targets[i]))
	}
	return out, nil
}
