package scheduler

import (
	"os"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

func ProvideConfig() Config {
	cfg := Config{
		TransferCronSpec: os.Getenv("TRANSFER_CRON_SPEC"),
		PayoutCronSpec:   os.Getenv("PAYOUT_CRON_SPEC"),
	}
	if raw := os.Getenv("SCHEDULER_JOB_TIMEOUT"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			cfg.JobTimeout = parsed
		}
	}
	return cfg.withDefaults()
}
