package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 60, cfg.Scheduler.IntervalFloorSeconds)
	assert.Equal(t, 30000, cfg.Probes.TimeoutMsDefault)
	assert.Equal(t, 16, cfg.Processor.Shards)
	assert.Equal(t, 300, cfg.Gateway.CooldownSeconds)
	assert.Equal(t, 5, cfg.Payments.PerCheckMinorUnits)
	assert.Equal(t, 3, cfg.Notifications.AlertThresholdDefault)
	assert.Equal(t, 1, cfg.Notifications.RecoveryThresholdDefault)
	assert.True(t, cfg.Notifications.EmailEnabled)
	assert.GreaterOrEqual(t, cfg.Probes.ExecutorConcurrency, 64)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: "9090"
  env: production
gateway:
  cooldown_seconds: 120
payments:
  payment_per_check_minor_units: 10
notifications:
  email_enabled: false
store:
  driver: postgres
  dsn: postgres://localhost/watchmesh
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, 120, cfg.Gateway.CooldownSeconds)
	assert.Equal(t, 10, cfg.Payments.PerCheckMinorUnits)
	assert.False(t, cfg.Notifications.EmailEnabled)
	assert.Equal(t, "postgres", cfg.Store.Driver)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60, cfg.Scheduler.IntervalFloorSeconds)
	assert.Equal(t, 16, cfg.Processor.Shards)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestManagerRegionOverrides(t *testing.T) {
	mgr := NewManager(Default())

	icmpOff := false
	mgr.SetProfile("eu-west", RegionProfile{
		ExecutorConcurrency: 8,
		ICMPEnabled:         &icmpOff,
	})

	eu := mgr.ProbesFor("eu-west")
	assert.Equal(t, 8, eu.ExecutorConcurrency)
	assert.False(t, eu.ICMPEnabled)
	// Timeout inherits the global default.
	assert.Equal(t, 30000, eu.TimeoutMsDefault)

	// Regions without a profile read the global config unchanged.
	us := mgr.ProbesFor("us-east")
	assert.Equal(t, Default().Probes.ExecutorConcurrency, us.ExecutorConcurrency)

	mgr.RemoveProfile("eu-west")
	assert.Equal(t, Default().Probes.ExecutorConcurrency, mgr.ProbesFor("eu-west").ExecutorConcurrency)
	assert.Empty(t, mgr.Regions())
}

func TestLoadConfigParsesRegionProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
regions:
  ap-south:
    executor_concurrency: 12
    probe_timeout_ms_default: 5000
    icmp_enabled: false
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Regions, "ap-south")

	mgr := NewManager(cfg)
	for region, profile := range cfg.Regions {
		mgr.SetProfile(region, profile)
	}

	ap := mgr.ProbesFor("ap-south")
	assert.Equal(t, 12, ap.ExecutorConcurrency)
	assert.Equal(t, 5000, ap.TimeoutMsDefault)
	assert.False(t, ap.ICMPEnabled)

	// A region absent from the file falls through to the global tuning.
	other := mgr.ProbesFor("us-east")
	assert.Equal(t, cfg.Probes.ExecutorConcurrency, other.ExecutorConcurrency)
}
