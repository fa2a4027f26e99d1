package refund

import (
	"context"
	"strconv"

	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/notify"
	"github.com/smallbiznis/expertpay/internal/provider"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundPercent of the original charge goes back to the guest; the remainder
// is retained as the platform's processing fee.
const RefundPercent = 90

// Split divides an original charge into the refunded portion and the retained
// fee. The refund rounds down, so the two always sum to the original amount.
func Split(amount int64) (refundAmount, retainedFee int64) {
	refundAmount = amount * RefundPercent / 100
	retainedFee = amount - refundAmount
	return refundAmount, retainedFee
}

type Engine struct {
	db       *gorm.DB
	records  transferdomain.Repository
	bookings bookingdomain.Repository
	gateway  provider.Gateway
	notifier notify.Notifier
	clk      clock.Clock
	logger   *zap.Logger
}

func NewEngine(
	db *gorm.DB,
	records transferdomain.Repository,
	bookings bookingdomain.Repository,
	gateway provider.Gateway,
	notifier notify.Notifier,
	clk clock.Clock,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		db:       db,
		records:  records,
		bookings: bookings,
		gateway:  gateway,
		notifier: notifier,
		clk:      clk,
		logger:   logger.Named("refund"),
	}
}

// Input describes the paid booking being unwound.
type Input struct {
	Meeting         *bookingdomain.Meeting
	Record          *transferdomain.TransferRecord
	PaymentIntentID string
	Amount          int64
	Currency        string
	ConflictType    string
}

// Execute issues the partial refund and settles all local state. When the
// provider call fails, the record lands in the terminal refund_failed status
// for manual review and none of the success-path effects happen.
func (e *Engine) Execute(ctx context.Context, in Input) error {
	refundAmount, retainedFee := Split(in.Amount)
	now := e.clk.Now()

	ref, err := e.gateway.CreateRefund(ctx, provider.CreateRefundInput{
		PaymentIntentID: in.PaymentIntentID,
		Amount:          refundAmount,
		IdempotencyKey:  "refund-" + in.PaymentIntentID,
		Metadata: map[string]string{
			"reason":          "booking_conflict",
			"conflict_type":   in.ConflictType,
			"original_amount": strconv.FormatInt(in.Amount, 10),
			"retained_fee":    strconv.FormatInt(retainedFee, 10),
			"refund_percent":  strconv.Itoa(RefundPercent),
		},
	})
	if err != nil {
		e.logger.Error("provider refund failed",
			zap.String("payment_intent_id", in.PaymentIntentID),
			zap.String("conflict_type", in.ConflictType),
			zap.Error(err),
		)
		if in.Record != nil {
			code := provider.CodeOf(err)
			if _, terr := e.records.MarkTerminal(ctx, e.db, in.Record.ID, transferdomain.StatusRefundFailed, code, err.Error(), now); terr != nil {
				e.logger.Error("failed to mark record refund_failed", zap.Int64("record_id", int64(in.Record.ID)), zap.Error(terr))
			}
			if nerr := e.records.AppendAdminNote(ctx, e.db, in.Record.ID, "refund failed: "+code, now); nerr != nil {
				e.logger.Error("failed to stamp admin note", zap.Int64("record_id", int64(in.Record.ID)), zap.Error(nerr))
			}
		}
		e.notifier.Send(ctx, notify.Notification{
			Kind:      notify.KindRefundFailed,
			Recipient: notify.RecipientAdmin,
			ExpertID:  in.Meeting.ExpertID,
			Data: map[string]any{
				"payment_intent_id": in.PaymentIntentID,
				"conflict_type":     in.ConflictType,
				"amount":            in.Amount,
				"error_code":        provider.CodeOf(err),
			},
		})
		return err
	}

	if err := e.bookings.UpdatePaymentStatus(ctx, e.db, in.Meeting.ID, bookingdomain.PaymentStatusRefunded, now); err != nil {
		e.logger.Error("failed to mirror refund onto meeting", zap.Int64("meeting_id", int64(in.Meeting.ID)), zap.Error(err))
	}
	if in.Record != nil {
		if _, err := e.records.MarkTerminal(ctx, e.db, in.Record.ID, transferdomain.StatusRefunded, "", "", now); err != nil {
			e.logger.Error("failed to mark record refunded", zap.Int64("record_id", int64(in.Record.ID)), zap.Error(err))
		}
	}

	data := map[string]any{
		"meeting_id":      in.Meeting.ID.String(),
		"start_time":      in.Meeting.StartTime,
		"refund_amount":   refundAmount,
		"retained_fee":    retainedFee,
		"original_amount": in.Amount,
		"currency":        in.Currency,
		"reason":          in.ConflictType,
		"refund_id":       ref.ID,
	}
	e.notifier.Send(ctx, notify.Notification{
		Kind:      notify.KindRefundIssued,
		Recipient: notify.RecipientExpert,
		ExpertID:  in.Meeting.ExpertID,
		Data:      data,
	})
	e.notifier.Send(ctx, notify.Notification{
		Kind:       notify.KindRefundIssued,
		Recipient:  notify.RecipientGuest,
		GuestEmail: in.Meeting.GuestEmail,
		Data:       data,
	})

	e.logger.Info("refund issued",
		zap.String("payment_intent_id", in.PaymentIntentID),
		zap.String("refund_id", ref.ID),
		zap.Int64("refund_amount", refundAmount),
		zap.Int64("retained_fee", retainedFee),
		zap.String("conflict_type", in.ConflictType),
	)
	return nil
}

var Module = fx.Module("refund",
	fx.Provide(NewEngine),
)
