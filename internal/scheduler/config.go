package scheduler

import (
	"time"

	"github.com/smallbiznis/mintflow/internal/config"
)

const (
	JobActivateDue      = "activate_due"
	JobAbandonExhausted = "abandon_exhausted"
)

// Config controls scheduler intervals, batch sizes and retry limits.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	JobTimeout  time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 15 * time.Second,
		BatchSize:   50,
		Concurrency: 4,
		MaxAttempts: 8,
		JobTimeout:  5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		MaxAttempts: cfg.Fulfillment.MaxAttempts,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
