package payment

import (
	"github.com/smallbiznis/expertpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/expertpay/internal/payment/service"
	"github.com/smallbiznis/expertpay/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
