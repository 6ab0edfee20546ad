// Package config loads the engine configuration from YAML with per-region
// profile overrides layered on top of the global file.
package config

import (
	"os"
	"runtime"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Probes        ProbesConfig        `yaml:"probes"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`

	// Regions holds per-region probe overrides, applied by Manager on top
	// of the global Probes section.
	Regions map[string]RegionProfile `yaml:"regions"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type SchedulerConfig struct {
	IntervalFloorSeconds int `yaml:"interval_floor_seconds"`
	TickMs               int `yaml:"tick_ms"`
}

type ProbesConfig struct {
	TimeoutMsDefault    int  `yaml:"probe_timeout_ms_default"`
	ExecutorConcurrency int  `yaml:"executor_concurrency"`
	ICMPEnabled         bool `yaml:"icmp_enabled"`
}

type ProcessorConfig struct {
	Shards int `yaml:"processor_shards"`
}

type GatewayConfig struct {
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

type PaymentsConfig struct {
	PerCheckMinorUnits int `yaml:"payment_per_check_minor_units"`
	Workers            int `yaml:"workers"`
}

type NotificationsConfig struct {
	EmailEnabled             bool `yaml:"email_enabled"`
	AlertThresholdDefault    int  `yaml:"alert_threshold_default"`
	RecoveryThresholdDefault int  `yaml:"recovery_threshold_default"`
	QueueSize                int  `yaml:"queue_size"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, postgres, supabase
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	MaxPerMinute int `yaml:"max_per_minute"`
	BurstSize    int `yaml:"burst_size"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: "8080", Env: "development"},
		Scheduler: SchedulerConfig{IntervalFloorSeconds: 60, TickMs: 1000},
		Probes: ProbesConfig{
			TimeoutMsDefault:    30000,
			ExecutorConcurrency: defaultConcurrency(),
		},
		Processor: ProcessorConfig{Shards: 16},
		Gateway:   GatewayConfig{CooldownSeconds: 300},
		Payments:  PaymentsConfig{PerCheckMinorUnits: 5, Workers: 4},
		Notifications: NotificationsConfig{
			EmailEnabled:             true,
			AlertThresholdDefault:    3,
			RecoveryThresholdDefault: 1,
			QueueSize:                256,
		},
		Store:     StoreConfig{Driver: "memory"},
		RateLimit: RateLimitConfig{MaxPerMinute: 60},
	}
}

func defaultConcurrency() int {
	n := 2 * runtime.NumCPU()
	if n < 64 {
		n = 64
	}
	return n
}

// LoadConfig reads a YAML file over the defaults. A missing path returns
// the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
