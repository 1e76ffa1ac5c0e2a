package scheduler

import (
	"time"

	"github.com/smallbiznis/tunnelgate/internal/config"
)

// Config controls scheduler cadence, leases and per-job timeouts.
type Config struct {
	RunInterval      time.Duration
	LockTTL          time.Duration
	EnabledJobs      []string
	PendingBatchSize int
	ExpiryBatchSize  int
	JobTimeout       time.Duration
	RollupTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		LockTTL:          5 * time.Minute,
		PendingBatchSize: 500,
		ExpiryBatchSize:  200,
		JobTimeout:       30 * time.Second,
		RollupTimeout:    5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.Interval,
		LockTTL:     cfg.Scheduler.LockTTL,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.PendingBatchSize <= 0 {
		c.PendingBatchSize = defaults.PendingBatchSize
	}
	if c.ExpiryBatchSize <= 0 {
		c.ExpiryBatchSize = defaults.ExpiryBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RollupTimeout <= 0 {
		c.RollupTimeout = defaults.RollupTimeout
	}
	return c
}
