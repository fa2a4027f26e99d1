package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/expertpay/internal/booking"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/notify"
	"github.com/smallbiznis/expertpay/internal/observability"
	"github.com/smallbiznis/expertpay/internal/payout"
	providerstripe "github.com/smallbiznis/expertpay/internal/provider/stripe"
	"github.com/smallbiznis/expertpay/internal/scheduler"
	"github.com/smallbiznis/expertpay/internal/transfer"
	"github.com/smallbiznis/expertpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by the jobs
		providerstripe.Module,
		notify.Module,
		heartbeat.Module,
		booking.Module,
		transfer.Module,
		payout.Module,
		scheduler.Module,

		// No server module!
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
