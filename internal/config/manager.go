package config

import (
	"log"
	"sync"
)

// RegionProfile overrides a subset of the probe settings for a single
// region. Zero values mean "inherit from global".
type RegionProfile struct {
	ExecutorConcurrency int   `yaml:"executor_concurrency"`
	TimeoutMsDefault    int   `yaml:"probe_timeout_ms_default"`
	ICMPEnabled         *bool `yaml:"icmp_enabled"`
}

// Manager resolves the effective configuration for a probe region by
// layering region profiles on top of the global config.
type Manager struct {
	global   *Config
	profiles map[string]RegionProfile
	logger   *log.Logger
	mu       sync.RWMutex
}

func NewManager(global *Config) *Manager {
	return &Manager{
		global:   global,
		profiles: make(map[string]RegionProfile),
		logger:   log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
}

// SetProfile installs or replaces the override profile for a region.
func (m *Manager) SetProfile(region string, profile RegionProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[region] = profile
	m.logger.Printf("🔄 Installed profile for region %s", region)
}

// RemoveProfile drops a region's overrides, reverting it to the global
// settings.
func (m *Manager) RemoveProfile(region string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, region)
}

// Global returns the base config shared by every region.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// ProbesFor returns the effective probe settings for a region.
func (m *Manager) ProbesFor(region string) ProbesConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	probes := m.global.Probes
	profile, ok := m.profiles[region]
	if !ok {
		return probes
	}
	if profile.ExecutorConcurrency > 0 {
		probes.ExecutorConcurrency = profile.ExecutorConcurrency
	}
	if profile.TimeoutMsDefault > 0 {
		probes.TimeoutMsDefault = profile.TimeoutMsDefault
	}
	if profile.ICMPEnabled != nil {
		probes.ICMPEnabled = *profile.ICMPEnabled
	}
	return probes
}

// Regions lists every region that currently carries an override profile.
func (m *Manager) Regions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	regions := make([]string, 0, len(m.profiles))
	for region := range m.profiles {
		regions = append(regions, region)
	}
	return regions
}
