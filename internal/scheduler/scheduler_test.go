package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/expertpay/internal/booking/repository"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/notify"
	"github.com/smallbiznis/expertpay/internal/payout"
	"github.com/smallbiznis/expertpay/internal/provider"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	transferjob "github.com/smallbiznis/expertpay/internal/transfer/job"
	transferrepo "github.com/smallbiznis/expertpay/internal/transfer/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// idleGateway satisfies the provider surface for runs that find no work.
type idleGateway struct{}

func (idleGateway) ChargeForIntent(ctx context.Context, paymentIntentID string) (*provider.Charge, error) {
	return nil, nil
}
func (idleGateway) FindTransferForCharge(ctx context.Context, destinationID, chargeID string) (*provider.Transfer, error) {
	return nil, nil
}
func (idleGateway) CreateTransfer(ctx context.Context, in provider.CreateTransferInput) (*provider.Transfer, error) {
	return nil, nil
}
func (idleGateway) CreateRefund(ctx context.Context, in provider.CreateRefundInput) (*provider.Refund, error) {
	return nil, nil
}
func (idleGateway) CreatePayout(ctx context.Context, in provider.CreatePayoutInput) (*provider.Payout, error) {
	return nil, nil
}
func (idleGateway) AvailableBalances(ctx context.Context, accountID string) ([]provider.Balance, error) {
	return nil, nil
}
func (idleGateway) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	return []provider.Account{}, nil
}

type nopNotifier struct{}

func (nopNotifier) Send(ctx context.Context, msg notify.Notification) {}

// newScheduler wires real processors over the given database so RunOnce
// exercises the same path the cron loop and HTTP triggers do.
func newScheduler(t *testing.T, db *gorm.DB) *Scheduler {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 6, 0, 0, 0, time.UTC))
	cfg := config.Config{}
	pinger := heartbeat.NewPinger(logger)

	transfers := transferjob.NewProcessor(transferjob.Params{
		DB:      db,
		Log:     logger,
		Cfg:     cfg,
		Clk:     clk,
		Records: transferrepo.Provide(),
		Gateway: idleGateway{},
		Pinger:  pinger,
	})
	payouts := payout.NewProcessor(payout.Params{
		DB:       db,
		Log:      logger,
		Cfg:      cfg,
		Clk:      clk,
		Records:  transferrepo.Provide(),
		Bookings: bookingrepo.Provide(),
		Gateway:  idleGateway{},
		Notifier: nopNotifier{},
		Pinger:   pinger,
	})

	s, err := New(Params{
		Log:       logger,
		Clock:     clk,
		Transfers: transfers,
		Payouts:   payouts,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnce_CleanPassReturnsNil(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&transferdomain.TransferRecord{},
		&bookingdomain.Meeting{},
		&bookingdomain.Event{},
	))

	s := newScheduler(t, db)
	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestRunOnce_AggregatesBothJobFailures(t *testing.T) {
	// No migrations: both processors fail their first query.
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	s := newScheduler(t, db)
	err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "transfers")
	assert.ErrorContains(t, err, "payouts")
}

func TestRunJob_TimeoutIsNotAFailure(t *testing.T) {
	s := &Scheduler{
		log:   zap.NewNop(),
		cfg:   Config{JobTimeout: 5 * time.Millisecond},
		clock: clock.NewFakeClock(time.Date(2026, 8, 15, 6, 0, 0, 0, time.UTC)),
	}
	err := s.runJob(context.Background(), "slow_job", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}

func TestRunJob_CancelledParentIsNotAFailure(t *testing.T) {
	s := &Scheduler{
		log:   zap.NewNop(),
		cfg:   DefaultConfig(),
		clock: clock.NewFakeClock(time.Date(2026, 8, 15, 6, 0, 0, 0, time.UTC)),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.runJob(ctx, "cancelled_job", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.NoError(t, err)
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), got)

	custom := Config{
		TransferCronSpec: "*/5 * * * *",
		JobTimeout:       time.Minute,
	}.withDefaults()
	assert.Equal(t, "*/5 * * * *", custom.TransferCronSpec)
	assert.Equal(t, DefaultConfig().PayoutCronSpec, custom.PayoutCronSpec)
	assert.Equal(t, time.Minute, custom.JobTimeout)
}
