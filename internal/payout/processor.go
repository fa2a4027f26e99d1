package payout

import (
	"context"
	"errors"
	"sync"
	"time"

	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/notify"
	"github.com/smallbiznis/expertpay/internal/provider"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clk      clock.Clock
	Records  transferdomain.Repository
	Bookings bookingdomain.Repository
	Gateway  provider.Gateway
	Notifier notify.Notifier
	Pinger   *heartbeat.Pinger
}

// Processor moves settled funds from expert sub-accounts to their banks.
// Phase A pays the ledger; phase B sweeps whatever provider-side balance the
// ledger never saw, so money cannot strand on a manual-schedule sub-account.
type Processor struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clk      clock.Clock
	records  transferdomain.Repository
	bookings bookingdomain.Repository
	gateway  provider.Gateway
	notifier notify.Notifier
	pinger   *heartbeat.Pinger
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:       p.DB,
		log:      p.Log.Named("payout.processor"),
		cfg:      p.Cfg,
		clk:      p.Clk,
		records:  p.Records,
		bookings: p.Bookings,
		gateway:  p.Gateway,
		notifier: p.Notifier,
		pinger:   p.Pinger,
	}
}

type Summary struct {
	Processed    int   `json:"processed"`
	PaidOut      int   `json:"paid_out"`
	Deferred     int   `json:"deferred"`
	Failed       int   `json:"failed"`
	SweepPayouts int   `json:"sweep_payouts"`
	TotalAmount  int64 `json:"total_amount"`
}

type itemResult struct {
	accountID string
	amount    int64
	paid      bool
	deferred  bool
	err       error
}

// Run executes both phases and reports liveness. Safe to re-run at any
// frequency; idempotency keys and status guards absorb overlap.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	summary, touched, err := p.runLedgerPhase(ctx)
	if err != nil {
		p.pinger.Ping(ctx, p.cfg.Liveness.PayoutFailureURL)
		return summary, err
	}

	sweeps, sweepAmount := p.runSweepPhase(ctx, touched)
	summary.SweepPayouts = sweeps
	summary.TotalAmount += sweepAmount

	p.log.Info("payout run complete",
		zap.Int("processed", summary.Processed),
		zap.Int("paid_out", summary.PaidOut),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
		zap.Int("sweep_payouts", summary.SweepPayouts),
		zap.Int64("total_amount", summary.TotalAmount),
	)
	if summary.Failed > 0 {
		p.pinger.Ping(ctx, p.cfg.Liveness.PayoutFailureURL)
	} else {
		p.pinger.Ping(ctx, p.cfg.Liveness.PayoutSuccessURL)
	}
	return summary, nil
}

func (p *Processor) runLedgerPhase(ctx context.Context) (Summary, map[string]bool, error) {
	touched := make(map[string]bool)
	candidates, err := p.records.ListAwaitingPayout(ctx, p.db)
	if err != nil {
		return Summary{}, touched, err
	}

	summary := Summary{Processed: len(candidates)}
	results := make([]itemResult, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.payOne(ctx, &candidates[i])
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		touched[candidates[i].ExpertAccountID] = true
		switch {
		case res.err != nil:
			summary.Failed++
			p.log.Warn("payout attempt failed",
				zap.Int64("record_id", int64(candidates[i].ID)),
				zap.String("account_id", res.accountID),
				zap.Error(res.err),
			)
		case res.paid:
			summary.PaidOut++
			summary.TotalAmount += res.amount
		case res.deferred:
			summary.Deferred++
		}
	}
	return summary, touched, nil
}

func (p *Processor) payOne(ctx context.Context, rec *transferdomain.TransferRecord) itemResult {
	res := itemResult{accountID: rec.ExpertAccountID}

	eligibleAt, err := p.eligibleAt(ctx, rec)
	if errors.Is(err, errSessionUnknown) {
		p.log.Warn("session bounds unknown, deferring payout",
			zap.Int64("record_id", int64(rec.ID)),
			zap.Int64("meeting_id", int64(rec.MeetingID)),
		)
		res.deferred = true
		return res
	}
	if err != nil {
		res.err = err
		return res
	}
	now := p.clk.Now()
	if now.Before(eligibleAt) {
		res.deferred = true
		return res
	}

	balances, err := p.gateway.AvailableBalances(ctx, rec.ExpertAccountID)
	if err != nil {
		res.err = err
		return res
	}
	available := int64(0)
	for _, b := range balances {
		if b.Currency == rec.Currency {
			available = b.Amount
			break
		}
	}
	if available <= 0 {
		p.log.Info("no available balance yet, deferring payout",
			zap.Int64("record_id", int64(rec.ID)),
			zap.String("account_id", rec.ExpertAccountID),
			zap.String("currency", rec.Currency),
		)
		res.deferred = true
		return res
	}

	amount := rec.Amount
	if available < amount {
		amount = available
	}

	created, err := p.gateway.CreatePayout(ctx, provider.CreatePayoutInput{
		AccountID:      rec.ExpertAccountID,
		Amount:         amount,
		Currency:       rec.Currency,
		IdempotencyKey: "payout-" + rec.ID.String(),
		Metadata: map[string]string{
			"record_id":  rec.ID.String(),
			"meeting_id": rec.MeetingID.String(),
		},
	})
	if err != nil {
		res.err = err
		return res
	}

	paid, err := p.records.MarkPaidOut(ctx, p.db, rec.ID, created.ID, p.clk.Now())
	if err != nil {
		res.err = err
		return res
	}
	if paid {
		res.paid = true
		res.amount = amount
		p.notifyPaidOut(ctx, rec, amount, created.ID)
	}
	return res
}

var errSessionUnknown = errors.New("session bounds unknown")

// eligibleAt is session end plus the legal holding window. The window exists
// so a guest who never got their session can still be made whole before the
// money leaves the platform's reach. Without the meeting and event rows the
// session end cannot be computed, and guessing would shorten the window, so
// the record defers until the booking data is back.
func (p *Processor) eligibleAt(ctx context.Context, rec *transferdomain.TransferRecord) (time.Time, error) {
	meeting, err := p.bookings.FindMeeting(ctx, p.db, rec.MeetingID)
	if err != nil {
		return time.Time{}, err
	}
	if meeting == nil {
		return time.Time{}, errSessionUnknown
	}
	event, err := p.bookings.FindEvent(ctx, p.db, meeting.EventID)
	if err != nil {
		return time.Time{}, err
	}
	if event == nil {
		return time.Time{}, errSessionUnknown
	}
	sessionEnd := rec.SessionStart.Add(time.Duration(event.DurationMinutes) * time.Minute)
	return sessionEnd.Add(p.cfg.Payout.HoldingWindow), nil
}

func (p *Processor) notifyPaidOut(ctx context.Context, rec *transferdomain.TransferRecord, amount int64, payoutID string) {
	data := map[string]any{
		"payout_id":  payoutID,
		"amount":     amount,
		"currency":   rec.Currency,
		"meeting_id": rec.MeetingID.String(),
	}
	if meeting, err := p.bookings.FindMeeting(ctx, p.db, rec.MeetingID); err == nil && meeting != nil {
		data["guest_name"] = meeting.GuestName
		data["start_time"] = meeting.StartTime
	}
	p.notifier.Send(ctx, notify.Notification{
		Kind:      notify.KindPayoutSent,
		Recipient: notify.RecipientExpert,
		ExpertID:  rec.ExpertID,
		Data:      data,
	})
}

// runSweepPhase pays out residual provider-side balances the ledger does not
// cover. Accounts on an automatic payout schedule drain themselves; touching
// them here would double-pay, so only manual-schedule accounts are swept.
func (p *Processor) runSweepPhase(ctx context.Context, touched map[string]bool) (int, int64) {
	accounts, err := p.gateway.ListAccounts(ctx)
	if err != nil {
		p.log.Warn("sweep skipped, account listing failed", zap.Error(err))
		return 0, 0
	}

	day := p.clk.Now().Format("2006-01-02")
	sweeps := 0
	var total int64
	for _, acct := range accounts {
		if touched[acct.ID] || !acct.ManualPayoutSchedule || !acct.PayoutsEnabled {
			continue
		}
		balances, err := p.gateway.AvailableBalances(ctx, acct.ID)
		if err != nil {
			p.log.Warn("sweep balance lookup failed", zap.String("account_id", acct.ID), zap.Error(err))
			continue
		}
		for _, b := range balances {
			if b.Amount < p.cfg.Payout.SweepMinBalance {
				continue
			}
			created, err := p.gateway.CreatePayout(ctx, provider.CreatePayoutInput{
				AccountID:      acct.ID,
				Amount:         b.Amount,
				Currency:       b.Currency,
				IdempotencyKey: "sweep-" + acct.ID + "-" + b.Currency + "-" + day,
				Metadata: map[string]string{
					"kind": "balance_sweep",
				},
			})
			if err != nil {
				p.log.Warn("sweep payout failed",
					zap.String("account_id", acct.ID),
					zap.String("currency", b.Currency),
					zap.Error(err),
				)
				continue
			}
			sweeps++
			total += b.Amount
			p.log.Info("sweep payout created",
				zap.String("account_id", acct.ID),
				zap.String("payout_id", created.ID),
				zap.Int64("amount", b.Amount),
				zap.String("currency", b.Currency),
			)
		}
	}
	return sweeps, total
}

var Module = fx.Module("payout",
	fx.Provide(NewProcessor),
)
