package transfer

import (
	"github.com/smallbiznis/expertpay/internal/transfer/job"
	"github.com/smallbiznis/expertpay/internal/transfer/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("transfer",
	fx.Provide(repository.Provide),
	fx.Provide(job.NewProcessor),
)
