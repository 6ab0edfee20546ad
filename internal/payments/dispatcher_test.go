package payments

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/monitoring"
	"github.com/watchmesh/backend/internal/store"
)

func savedCheck(t *testing.T, mem *store.Memory, proberID string) *core.Check {
	t.Helper()
	check := &core.Check{
		ID:        core.NewID("chk"),
		TargetID:  "tgt-1",
		OwnerID:   "owner-1",
		Success:   true,
		Location:  "us-east",
		ProberID:  proberID,
		Timestamp: time.Now(),
	}
	require.NoError(t, mem.SaveCheck(context.Background(), check))
	return check
}

func TestDispatcherCreditsAndSettles(t *testing.T) {
	mem := store.NewMemory()
	check := savedCheck(t, mem, "prober-1")

	d := NewDispatcher(mem, mem, nil, nil, nil, 2)
	d.Enqueue(check, "prober-1")
	d.Close()

	ctx := context.Background()
	wallet, err := mem.GetWallet(ctx, "prober-1")
	require.NoError(t, err)
	assert.EqualValues(t, DefaultAmountMinorUnits, wallet.BalanceMinorUnits)

	stored, err := mem.GetCheck(ctx, check.ID)
	require.NoError(t, err)
	assert.True(t, stored.PaymentSettled)

	ledger, err := mem.ListLedger(ctx, "prober-1", 0)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, check.ID, ledger[0].CheckID)
}

func TestDispatcherRedeliveryCreditsOnce(t *testing.T) {
	mem := store.NewMemory()
	check := savedCheck(t, mem, "prober-1")

	d := NewDispatcher(mem, mem, nil, nil, nil, 4)
	for i := 0; i < 5; i++ {
		d.Enqueue(check, "prober-1")
	}
	d.Close()

	ctx := context.Background()
	wallet, err := mem.GetWallet(ctx, "prober-1")
	require.NoError(t, err)
	assert.EqualValues(t, DefaultAmountMinorUnits, wallet.BalanceMinorUnits, "redelivered credit must apply exactly once")

	ledger, err := mem.ListLedger(ctx, "prober-1", 0)
	require.NoError(t, err)
	assert.Len(t, ledger, 1)
}

// flakyWallets fails the first n Credit calls, then delegates.
type flakyWallets struct {
	*store.Memory
	failures int32
}

func (f *flakyWallets) Credit(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return false, core.Ef(core.Unavailable, "store.Credit", "connection reset")
	}
	return f.Memory.Credit(ctx, entry)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	mem := store.NewMemory()
	wallets := &flakyWallets{Memory: mem, failures: 2}
	check := savedCheck(t, mem, "prober-1")

	d := NewDispatcher(wallets, mem, nil, nil, nil, 1,
		WithRetrySchedule([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))
	d.Enqueue(check, "prober-1")
	d.Close()

	wallet, err := mem.GetWallet(context.Background(), "prober-1")
	require.NoError(t, err)
	assert.EqualValues(t, DefaultAmountMinorUnits, wallet.BalanceMinorUnits)
}

func TestDispatcherExhaustionLeavesCheckUnsettledAndAlerts(t *testing.T) {
	mem := store.NewMemory()
	wallets := &flakyWallets{Memory: mem, failures: 100}
	check := savedCheck(t, mem, "prober-1")
	alerts := monitoring.NewAlertBook(time.Minute)

	d := NewDispatcher(wallets, mem, nil, nil, alerts, 1,
		WithRetrySchedule([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))
	d.Enqueue(check, "prober-1")
	d.Close()

	ctx := context.Background()
	stored, err := mem.GetCheck(ctx, check.ID)
	require.NoError(t, err)
	assert.False(t, stored.PaymentSettled, "exhausted credit must leave the check unsettled")

	_, err = mem.GetWallet(ctx, "prober-1")
	assert.True(t, core.IsKind(err, core.NotFound), "no wallet may be created on failure")

	active := alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "payments", active[0].Component)
	assert.Equal(t, monitoring.SeverityCritical, active[0].Severity)
}

func TestDispatcherAmountOverride(t *testing.T) {
	mem := store.NewMemory()
	check := savedCheck(t, mem, "prober-9")

	d := NewDispatcher(mem, mem, nil, nil, nil, 1, WithAmount(25))
	d.Enqueue(check, "prober-9")
	d.Close()

	wallet, err := mem.GetWallet(context.Background(), "prober-9")
	require.NoError(t, err)
	assert.EqualValues(t, 25, wallet.BalanceMinorUnits)
}
