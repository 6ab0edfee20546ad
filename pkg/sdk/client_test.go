package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAvailableSendsProberHeader(t *testing.T) {
	var gotProber string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProber = r.Header.Get("X-Prober-ID")
		require.Equal(t, "/api/v1/probes/available", r.URL.Path)
		json.NewEncoder(w).Encode([]AvailableTarget{{ID: "tgt-1", Name: "shop", Kind: "https"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "prb-test")
	targets, err := client.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "tgt-1", targets[0].ID)
	assert.Equal(t, "prb-test", gotProber)
}

func TestSubmitDecodesCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tgt-1", body["target_id"])
		assert.Equal(t, "berlin", body["location"])

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Check{ID: "chk-1", TargetID: "tgt-1", Success: true, ProberID: "prb-test"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "prb-test")
	check, err := client.Submit(context.Background(), "tgt-1", "berlin", &LocationDetails{City: "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "chk-1", check.ID)
	assert.True(t, check.Success)
}

func TestCooldownConflictSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "100")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "cooldown active", "kind": "conflict"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "prb-test")
	_, err := client.Submit(context.Background(), "tgt-1", "berlin", nil)
	require.Error(t, err)
	assert.True(t, IsCooldown(err))
	assert.Equal(t, 100*time.Second, RetryAfter(err))
	assert.Contains(t, err.Error(), "conflict")
}

func TestWalletStatement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/wallets/prb-test", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"wallet": map[string]interface{}{"prober_id": "prb-test", "balance_minor_units": 25},
			"ledger": []map[string]interface{}{{"check_id": "chk-1", "amount_minor_units": 5}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "prb-test")
	stmt, err := client.Wallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(25), stmt.Wallet.BalanceMinorUnits)
	require.Len(t, stmt.Ledger, 1)
	assert.Equal(t, int64(5), stmt.Ledger[0].AmountMinorUnits)
}

func TestAPIKeyHeaderAttached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wm_abc.def", r.Header.Get("X-API-Key"))
		json.NewEncoder(w).Encode([]AvailableTarget{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "prb-test", WithAPIKey("wm_abc.def"))
	_, err := client.ListAvailable(context.Background())
	require.NoError(t, err)
}
