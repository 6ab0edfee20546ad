package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/store"
)

type fakeSched struct {
	mu      sync.Mutex
	reloads []string
}

func (f *fakeSched) Reload(ctx context.Context, targetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads = append(f.reloads, targetID)
}

func newService(t *testing.T) (*Targets, *store.Memory, *fakeSched) {
	t.Helper()
	mem := store.NewMemory()
	sched := &fakeSched{}
	return NewTargets(mem, sched, nil, Defaults{}), mem, sched
}

func draft() *core.Target {
	return &core.Target{
		OwnerID:     "owner-1",
		OwnerEmail:  "owner@example.com",
		Name:        "example",
		URL:         "https://example.com",
		Kind:        core.KindHTTPS,
		IntervalSec: 60,
		Regions:     []string{"us-east"},
		Active:      true,
	}
}

func TestCreateAppliesDefaultsAndSchedules(t *testing.T) {
	svc, mem, sched := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draft())
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.EqualValues(t, 1, created.Version)
	assert.Equal(t, 30000, created.TimeoutMs)
	assert.Equal(t, 3, created.AlertThreshold)
	assert.Equal(t, 1, created.RecoveryThreshold)
	assert.False(t, created.CreatedAt.IsZero())

	stored, err := mem.GetTarget(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.URL, stored.URL)
	assert.Equal(t, []string{created.ID}, sched.reloads)
}

func TestCreateRejectsIntervalBelowFloor(t *testing.T) {
	svc, _, _ := newService(t)

	d := draft()
	d.IntervalSec = 30
	_, err := svc.Create(context.Background(), d)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.Invalid))

	d = draft()
	d.OwnerID = ""
	_, err = svc.Create(context.Background(), d)
	assert.True(t, core.IsKind(err, core.Invalid))
}

func TestUpdateBumpsVersionAndGuardsOwnership(t *testing.T) {
	svc, _, sched := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draft())
	require.NoError(t, err)

	upd := *created
	upd.IntervalSec = 120
	got, err := svc.Update(ctx, &upd, "owner-1", core.RoleOwner)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Version)
	assert.Equal(t, 120, got.IntervalSec)
	assert.Len(t, sched.reloads, 2)

	// Another owner may not touch it; an admin may.
	upd2 := *got
	_, err = svc.Update(ctx, &upd2, "owner-2", core.RoleOwner)
	assert.True(t, core.IsKind(err, core.Unauthorized))

	upd3 := *got
	upd3.Name = "renamed"
	got, err = svc.Update(ctx, &upd3, "admin-1", core.RoleAdmin)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)

	// Owner identity never changes through Update.
	assert.Equal(t, "owner-1", got.OwnerID)
}

func TestDeactivateLeavesOpenIncident(t *testing.T) {
	svc, mem, sched := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draft())
	require.NoError(t, err)

	inc := &core.Incident{ID: core.NewID("inc"), TargetID: created.ID, Reason: core.ErrKindTimeout}
	require.NoError(t, mem.OpenIncident(ctx, inc))

	require.NoError(t, svc.Deactivate(ctx, created.ID, "owner-1", core.RoleOwner))

	stored, err := mem.GetTarget(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.EqualValues(t, 2, stored.Version)

	open, err := mem.GetOpenIncident(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, open, "deactivation must not resolve the open incident")
	assert.Contains(t, sched.reloads, created.ID)

	// Repeat deactivation is a no-op.
	require.NoError(t, svc.Deactivate(ctx, created.ID, "owner-1", core.RoleOwner))
	stored, _ = mem.GetTarget(ctx, created.ID)
	assert.EqualValues(t, 2, stored.Version)
}

func TestDeleteRetainsHistory(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draft())
	require.NoError(t, err)
	require.NoError(t, mem.SaveCheck(ctx, &core.Check{ID: "chk-1", TargetID: created.ID, Success: true}))

	require.NoError(t, svc.Delete(ctx, created.ID, "owner-1", core.RoleOwner))

	_, err = mem.GetTarget(ctx, created.ID)
	assert.True(t, core.IsKind(err, core.NotFound))

	checks, err := mem.ListChecks(ctx, created.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, checks, 1, "checks survive target deletion")
}

func TestListScopesByOwner(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, draft())
	require.NoError(t, err)
	other := draft()
	other.OwnerID = "owner-2"
	_, err = svc.Create(ctx, other)
	require.NoError(t, err)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := svc.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "owner-1", mine[0].OwnerID)
}
