package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the tunable numbers the core otherwise hardcodes. Every
// field has a documented default; the file at protected/agentbus.yaml may
// override any subset of them.
type Thresholds struct {
	RateLimitCapacity   int           `yaml:"rate_limit_capacity"`
	RateLimitRefillRate float64       `yaml:"rate_limit_refill_per_sec"`
	BreakerThreshold    int           `yaml:"breaker_failure_threshold"`
	BreakerOpenDuration time.Duration `yaml:"breaker_open_duration"`
	StaleTaskThreshold  time.Duration `yaml:"stale_task_threshold"`
	HeartbeatActive     time.Duration `yaml:"heartbeat_active_window"`
	HeartbeatDegraded   time.Duration `yaml:"heartbeat_degraded_window"`
	MaintenanceCron     string        `yaml:"maintenance_cron"`
}

// DefaultThresholds returns the documented out-of-the-box values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RateLimitCapacity:   100,
		RateLimitRefillRate: 10,
		BreakerThreshold:    5,
		BreakerOpenDuration: 60 * time.Second,
		StaleTaskThreshold:  24 * time.Hour,
		HeartbeatActive:     60 * time.Second,
		HeartbeatDegraded:   300 * time.Second,
		MaintenanceCron:     "@every 60s",
	}
}

// ThresholdsPath returns the path of the optional override file.
func ThresholdsPath(home string) string {
	return filepath.Join(ProtectedDir(home), "agentbus.yaml")
}

// LoadThresholds reads protected/agentbus.yaml if present and overlays it on
// top of DefaultThresholds. A missing file is not an error.
func LoadThresholds(home string) (Thresholds, error) {
	th := DefaultThresholds()
	b, err := os.ReadFile(ThresholdsPath(home))
	if os.IsNotExist(err) {
		return th, nil
	}
	if err != nil {
		return th, err
	}
	var override Thresholds
	if err := yaml.Unmarshal(b, &override); err != nil {
		return th, err
	}
	if override.RateLimitCapacity != 0 {
		th.RateLimitCapacity = override.RateLimitCapacity
	}
	if override.RateLimitRefillRate != 0 {
		th.RateLimitRefillRate = override.RateLimitRefillRate
	}
	if override.BreakerThreshold != 0 {
		th.BreakerThreshold = override.BreakerThreshold
	}
	if override.BreakerOpenDuration != 0 {
		th.BreakerOpenDuration = override.BreakerOpenDuration
	}
	if override.StaleTaskThreshold != 0 {
		th.StaleTaskThreshold = override.StaleTaskThreshold
	}
	if override.HeartbeatActive != 0 {
		th.HeartbeatActive = override.HeartbeatActive
	}
	if override.HeartbeatDegraded != 0 {
		th.HeartbeatDegraded = override.HeartbeatDegraded
	}
	if override.MaintenanceCron != "" {
		th.MaintenanceCron = override.MaintenanceCron
	}
	return th, nil
}
