package scheduler

import (
	"time"

	"github.com/smallbiznis/coursepay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled          bool
	RunInterval      time.Duration
	BatchSize        int
	PendingOlderThan time.Duration
	PendingMaxAge    time.Duration
	JobTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		RunInterval:      time.Minute,
		BatchSize:        50,
		PendingOlderThan: 2 * time.Minute,
		PendingMaxAge:    24 * time.Hour,
		JobTimeout:       45 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:          cfg.Scheduler.Enabled,
		RunInterval:      cfg.Scheduler.ReconcileEvery,
		BatchSize:        cfg.Scheduler.BatchSize,
		PendingOlderThan: cfg.Scheduler.PendingOlderThan,
		PendingMaxAge:    cfg.Scheduler.PendingMaxAge,
		JobTimeout:       cfg.Scheduler.JobTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PendingOlderThan <= 0 {
		c.PendingOlderThan = defaults.PendingOlderThan
	}
	if c.PendingMaxAge < 0 {
		c.PendingMaxAge = defaults.PendingMaxAge
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
