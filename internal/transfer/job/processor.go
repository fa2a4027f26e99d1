package job

import (
	"context"
	"sync"

	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/provider"
	"github.com/smallbiznis/expertpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Cfg     config.Config
	Clk     clock.Clock
	Records domain.Repository
	Gateway provider.Gateway
	Pinger  *heartbeat.Pinger
}

// Processor moves ledgered funds from the platform balance to expert
// sub-accounts for every record whose schedule has come due.
type Processor struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     config.Config
	clk     clock.Clock
	records domain.Repository
	gateway provider.Gateway
	pinger  *heartbeat.Pinger
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:      p.DB,
		log:     p.Log.Named("transfer.processor"),
		cfg:     p.Cfg,
		clk:     p.Clk,
		records: p.Records,
		gateway: p.Gateway,
		pinger:  p.Pinger,
	}
}

// Summary is one run's outcome. HTTP triggers return it verbatim.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run processes every due record. Each record is handled in its own
// goroutine with an independent result; one expert's failure never blocks
// another's money. Safe to re-run at any frequency.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	candidates, err := p.records.ListReadyForTransfer(ctx, p.db, p.clk.Now())
	if err != nil {
		p.pinger.Ping(ctx, p.cfg.Liveness.TransferFailureURL)
		return Summary{}, err
	}

	summary := Summary{Processed: len(candidates)}
	if len(candidates) == 0 {
		p.log.Info("no transfers due")
		p.pinger.Ping(ctx, p.cfg.Liveness.TransferSuccessURL)
		return summary, nil
	}

	results := make([]error, len(candidates))
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.processOne(ctx, &candidates[i])
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			summary.Failed++
			p.log.Warn("transfer attempt failed",
				zap.Int64("record_id", int64(candidates[i].ID)),
				zap.String("payment_intent_id", candidates[i].PaymentIntentID),
				zap.Error(err),
			)
		} else {
			summary.Succeeded++
		}
	}

	p.log.Info("transfer run complete",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	if summary.Failed > 0 {
		p.pinger.Ping(ctx, p.cfg.Liveness.TransferFailureURL)
	} else {
		p.pinger.Ping(ctx, p.cfg.Liveness.TransferSuccessURL)
	}
	return summary, nil
}

func (p *Processor) processOne(ctx context.Context, rec *domain.TransferRecord) error {
	chargeID, err := p.resolveCharge(ctx, rec)
	if err != nil {
		p.recordFailure(ctx, rec, err)
		return err
	}

	// The guard against double-paying: a transfer for this charge may exist
	// from a run that died between the provider call and the local write.
	existing, err := p.gateway.FindTransferForCharge(ctx, rec.ExpertAccountID, chargeID)
	if err != nil {
		p.recordFailure(ctx, rec, err)
		return err
	}
	if existing != nil {
		p.log.Info("adopting existing provider transfer",
			zap.Int64("record_id", int64(rec.ID)),
			zap.String("transfer_id", existing.ID),
		)
		_, err := p.records.MarkFundsMoved(ctx, p.db, rec.ID, existing.ID, p.clk.Now())
		return err
	}

	created, err := p.gateway.CreateTransfer(ctx, provider.CreateTransferInput{
		Amount:         rec.Amount,
		Currency:       rec.Currency,
		DestinationID:  rec.ExpertAccountID,
		SourceChargeID: chargeID,
		IdempotencyKey: "transfer-" + rec.ID.String(),
		Metadata: map[string]string{
			"record_id":         rec.ID.String(),
			"meeting_id":        rec.MeetingID.String(),
			"payment_intent_id": rec.PaymentIntentID,
		},
	})
	if err != nil {
		p.recordFailure(ctx, rec, err)
		return err
	}

	moved, err := p.records.MarkFundsMoved(ctx, p.db, rec.ID, created.ID, p.clk.Now())
	if err != nil {
		return err
	}
	if !moved {
		p.log.Warn("record advanced concurrently, provider transfer adopted on next run",
			zap.Int64("record_id", int64(rec.ID)),
			zap.String("transfer_id", created.ID),
		)
	}
	return nil
}

// resolveCharge finds the settled charge behind the record's intent, caching
// it on the row so re-runs skip the lookup.
func (p *Processor) resolveCharge(ctx context.Context, rec *domain.TransferRecord) (string, error) {
	if rec.ChargeID != nil && *rec.ChargeID != "" {
		return *rec.ChargeID, nil
	}
	charge, err := p.gateway.ChargeForIntent(ctx, rec.PaymentIntentID)
	if err != nil {
		return "", err
	}
	if err := p.records.SetChargeID(ctx, p.db, rec.ID, charge.ID, p.clk.Now()); err != nil {
		p.log.Warn("failed to cache charge id", zap.Int64("record_id", int64(rec.ID)), zap.Error(err))
	}
	return charge.ID, nil
}

func (p *Processor) recordFailure(ctx context.Context, rec *domain.TransferRecord, cause error) {
	code := provider.CodeOf(cause)
	if err := p.records.RecordTransferFailure(ctx, p.db, rec.ID, code, cause.Error(), p.cfg.Payout.TransferRetryCap, p.clk.Now()); err != nil {
		p.log.Error("failed to persist transfer failure",
			zap.Int64("record_id", int64(rec.ID)),
			zap.Error(err),
		)
	}
}
