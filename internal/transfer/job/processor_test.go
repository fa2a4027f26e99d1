package job

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/provider"
	"github.com/smallbiznis/expertpay/internal/transfer/domain"
	"github.com/smallbiznis/expertpay/internal/transfer/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Mocks --

type gatewayMock struct {
	mock.Mock
}

func (m *gatewayMock) ChargeForIntent(ctx context.Context, paymentIntentID string) (*provider.Charge, error) {
	args := m.Called(ctx, paymentIntentID)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*provider.Charge), args.Error(1)
}
func (m *gatewayMock) FindTransferForCharge(ctx context.Context, destinationID, chargeID string) (*provider.Transfer, error) {
	args := m.Called(ctx, destinationID, chargeID)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*provider.Transfer), args.Error(1)
}
func (m *gatewayMock) CreateTransfer(ctx context.Context, in provider.CreateTransferInput) (*provider.Transfer, error) {
	args := m.Called(ctx, in)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.(*provider.Transfer), args.Error(1)
}
func (m *gatewayMock) CreateRefund(ctx context.Context, in provider.CreateRefundInput) (*provider.Refund, error) {
	return nil, nil
}
func (m *gatewayMock) CreatePayout(ctx context.Context, in provider.CreatePayoutInput) (*provider.Payout, error) {
	return nil, nil
}
func (m *gatewayMock) AvailableBalances(ctx context.Context, accountID string) ([]provider.Balance, error) {
	return nil, nil
}
func (m *gatewayMock) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	return nil, nil
}

// -- Tests --

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	gateway   *gatewayMock
	processor *Processor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.TransferRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 6, 0, 0, 0, time.UTC))
	gateway := &gatewayMock{}
	cfg := config.Config{
		Payout: config.PayoutConfig{TransferRetryCap: 3},
	}

	logger := zap.NewNop()
	processor := NewProcessor(Params{
		DB:      db,
		Log:     logger,
		Cfg:     cfg,
		Clk:     clk,
		Records: repository.Provide(),
		Gateway: gateway,
		Pinger:  heartbeat.NewPinger(logger),
	})
	return &fixture{db: db, node: node, clk: clk, gateway: gateway, processor: processor}
}

func (f *fixture) seedRecord(t *testing.T, status string, scheduled time.Time, requiresApproval bool) *domain.TransferRecord {
	t.Helper()
	rec := &domain.TransferRecord{
		ID:                  f.node.Generate(),
		PaymentIntentID:     "pi_" + f.node.Generate().String(),
		MeetingID:           f.node.Generate(),
		ExpertID:            f.node.Generate(),
		ExpertAccountID:     "acct_123",
		Amount:              9000,
		PlatformFee:         1000,
		Currency:            "USD",
		SessionStart:        scheduled,
		ScheduledTransferAt: scheduled,
		Status:              status,
		RequiresApproval:    requiresApproval,
		CreatedAt:           time.Now(),
		UpdatedAt:           time.Now(),
	}
	require.NoError(t, f.db.Create(rec).Error)
	return rec
}

func (f *fixture) reload(t *testing.T, id snowflake.ID) domain.TransferRecord {
	t.Helper()
	var rec domain.TransferRecord
	require.NoError(t, f.db.First(&rec, "id = ?", id).Error)
	return rec
}

func TestRun_MovesFundsForDueRecord(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), false)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(nil, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.MatchedBy(func(in provider.CreateTransferInput) bool {
		return in.Amount == 9000 &&
			in.DestinationID == "acct_123" &&
			in.SourceChargeID == "ch_1" &&
			in.IdempotencyKey == "transfer-"+rec.ID.String()
	})).Return(&provider.Transfer{ID: "tr_1"}, nil)

	summary, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1}, summary)
	f.gateway.AssertExpectations(t)

	got := f.reload(t, rec.ID)
	assert.Equal(t, domain.StatusFundsMoved, got.Status)
	require.NotNil(t, got.TransferID)
	assert.Equal(t, "tr_1", *got.TransferID)
	require.NotNil(t, got.ChargeID)
	assert.Equal(t, "ch_1", *got.ChargeID)
}

func TestRun_AdoptsExistingProviderTransfer(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), false)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(&provider.Transfer{ID: "tr_orphaned", SourceChargeID: "ch_1"}, nil)

	summary, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	f.gateway.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything)

	got := f.reload(t, rec.ID)
	assert.Equal(t, domain.StatusFundsMoved, got.Status)
	require.NotNil(t, got.TransferID)
	assert.Equal(t, "tr_orphaned", *got.TransferID)
}

func TestRun_SkipsFutureAndUnapprovedRecords(t *testing.T) {
	f := setup(t)
	f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(48*time.Hour), false)
	f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), true)
	f.seedRecord(t, domain.StatusPending, f.clk.Now().Add(-time.Hour), false)

	summary, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestRun_ApprovedRecordBypassesSchedule(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusApproved, f.clk.Now().Add(48*time.Hour), true)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(nil, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&provider.Transfer{ID: "tr_1"}, nil)

	summary, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, domain.StatusFundsMoved, f.reload(t, rec.ID).Status)
}

func TestRun_FailureEscalatesAtRetryCap(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), false)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(nil, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Code: "balance_insufficient", Message: "not enough funds"})

	for attempt := 1; attempt <= 2; attempt++ {
		summary, err := f.processor.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)

		got := f.reload(t, rec.ID)
		assert.Equal(t, domain.StatusReady, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
		assert.Equal(t, "balance_insufficient", got.LastErrorCode)
	}

	summary, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got := f.reload(t, rec.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	// Failed records never come back up for processing.
	summary, err = f.processor.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestRun_FailedRecordStaysFailedUnderRepeatedRuns(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), false)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(nil, nil)
	// Exactly the capped attempts; any extra CreateTransfer fails the test.
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Code: "balance_insufficient", Message: "not enough funds"}).
		Times(3)

	for attempt := 0; attempt < 3; attempt++ {
		_, err := f.processor.Run(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, domain.StatusFailed, f.reload(t, rec.ID).Status)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		f.clk.Advance(time.Duration(1+rng.Intn(48)) * time.Hour)
		summary, err := f.processor.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Summary{}, summary)
		assert.Equal(t, domain.StatusFailed, f.reload(t, rec.ID).Status)
	}
	f.gateway.AssertExpectations(t)
}

func TestRun_SuccessAfterFailureClearsError(t *testing.T) {
	f := setup(t)
	rec := f.seedRecord(t, domain.StatusReady, f.clk.Now().Add(-time.Hour), false)

	f.gateway.On("ChargeForIntent", mock.Anything, rec.PaymentIntentID).
		Return(&provider.Charge{ID: "ch_1"}, nil)
	f.gateway.On("FindTransferForCharge", mock.Anything, "acct_123", "ch_1").
		Return(nil, nil)
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(nil, &provider.Error{Code: "api_error", Message: "transient"}).Once()
	f.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&provider.Transfer{ID: "tr_1"}, nil)

	_, err := f.processor.Run(context.Background())
	require.NoError(t, err)
	_, err = f.processor.Run(context.Background())
	require.NoError(t, err)

	got := f.reload(t, rec.ID)
	assert.Equal(t, domain.StatusFundsMoved, got.Status)
	assert.Empty(t, got.LastErrorCode)
	assert.Empty(t, got.LastErrorMessage)
}
