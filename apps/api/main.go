package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/expertpay/internal/booking"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/conflict"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/migration"
	"github.com/smallbiznis/expertpay/internal/notify"
	"github.com/smallbiznis/expertpay/internal/observability"
	"github.com/smallbiznis/expertpay/internal/payment"
	"github.com/smallbiznis/expertpay/internal/payout"
	providerstripe "github.com/smallbiznis/expertpay/internal/provider/stripe"
	"github.com/smallbiznis/expertpay/internal/refund"
	"github.com/smallbiznis/expertpay/internal/server"
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
		migration.Module,

		providerstripe.Module,
		notify.Module,
		heartbeat.Module,
		booking.Module,
		conflict.Module,
		refund.Module,
		payment.Module,
		transfer.Module,
		payout.Module,

		server.Module,
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
