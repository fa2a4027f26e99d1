package stripe

import (
	"github.com/smallbiznis/expertpay/internal/provider"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.stripe",
	fx.Provide(NewClient),
	fx.Provide(fx.Annotate(NewGateway, fx.As(new(provider.Gateway)))),
)
