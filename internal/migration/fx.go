package migration

import (
	"github.com/smallbiznis/expertpay/internal/booking/domain"
	"github.com/smallbiznis/expertpay/internal/config"
	paymentdomain "github.com/smallbiznis/expertpay/internal/payment/domain"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// sqlite and mysql are local development targets; gorm's migrator is
		// good enough there.
		return conn.AutoMigrate(
			&transferdomain.TransferRecord{},
			&paymentdomain.EventRecord{},
			&domain.Meeting{},
			&domain.Event{},
			&domain.ExpertPolicy{},
		)
	}),
)
