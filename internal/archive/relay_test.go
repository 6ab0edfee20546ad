package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmesh/backend/internal/circuitbreaker"
	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/pb"
)

func archCheck(id string, ts time.Time) *core.Check {
	return &core.Check{
		ID:             id,
		TargetID:       "tgt-1",
		Success:        true,
		StatusCode:     200,
		ResponseTimeMs: 40,
		Location:       "us-east",
		Timestamp:      ts,
	}
}

func TestRelayShipsChecks(t *testing.T) {
	mock := &pb.MockArchiveClient{}
	relay := NewRelay(mock, circuitbreaker.NewEngineBreakers().Archive)

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	relay.Submit(archCheck("chk-a", ts))
	relay.Submit(archCheck("chk-b", ts))
	relay.Close()

	archived := mock.Snapshot()
	require.Len(t, archived, 2)
	assert.Equal(t, "tgt-1", archived[0].TargetId)
	assert.Equal(t, int64(40), archived[0].ResponseTimeMs)
	require.NotNil(t, archived[0].Timestamp)
	assert.Equal(t, ts.Unix(), archived[0].Timestamp.AsTime().Unix())
}

func TestDailyRootStableAcrossOrder(t *testing.T) {
	mock := &pb.MockArchiveClient{}
	day1 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)

	relayA := NewRelay(mock, circuitbreaker.NewEngineBreakers().Archive)
	relayA.Submit(archCheck("chk-1", day1))
	relayA.Submit(archCheck("chk-2", day1))
	relayA.Submit(archCheck("chk-3", day2))
	relayA.Close()

	relayB := NewRelay(mock, circuitbreaker.NewEngineBreakers().Archive)
	relayB.Submit(archCheck("chk-2", day1))
	relayB.Submit(archCheck("chk-1", day1))
	relayB.Close()

	rootA, countA := relayA.DailyRoot("2026-08-20")
	rootB, countB := relayB.DailyRoot("2026-08-20")
	assert.Equal(t, rootA, rootB, "root must not depend on arrival order")
	assert.Equal(t, 2, countA)
	assert.Equal(t, 2, countB)

	otherRoot, otherCount := relayA.DailyRoot("2026-08-21")
	assert.Equal(t, 1, otherCount)
	assert.NotEqual(t, rootA, otherRoot)

	empty, n := relayA.DailyRoot("2026-08-22")
	assert.Empty(t, empty)
	assert.Zero(t, n)
}

func TestRelayToleratesArchiveOutage(t *testing.T) {
	mock := &pb.MockArchiveClient{Fail: true}
	relay := NewRelay(mock, circuitbreaker.NewEngineBreakers().Archive)

	relay.Submit(archCheck("chk-x", time.Now()))
	relay.Close()

	// Failed sends never count toward a daily root.
	_, n := relay.DailyRoot(time.Now().UTC().Format("2006-01-02"))
	assert.Zero(t, n)
	assert.Empty(t, mock.Snapshot())
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	root := merkleRoot([]string{"chk-only"})
	assert.Len(t, root, 64)
	assert.Equal(t, root, merkleRoot([]string{"chk-only"}))
}
