package scheduler

import (
	"time"
)

// Config controls job schedules and per-job timeouts.
type Config struct {
	TransferCronSpec string
	PayoutCronSpec   string
	JobTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		TransferCronSpec: "0 6 * * *",
		PayoutCronSpec:   "0 7 * * *",
		JobTimeout:       10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TransferCronSpec == "" {
		c.TransferCronSpec = defaults.TransferCronSpec
	}
	if c.PayoutCronSpec == "" {
		c.PayoutCronSpec = defaults.PayoutCronSpec
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
