package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/conflict"
	"github.com/smallbiznis/expertpay/internal/notify"
	paymentdomain "github.com/smallbiznis/expertpay/internal/payment/domain"
	"github.com/smallbiznis/expertpay/internal/refund"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Delayed-settlement payment methods confirm asynchronously, sometimes days
// after checkout. Only these can race another booking into the same slot.
var delayedMethods = map[string]bool{
	"boleto":  true,
	"oxxo":    true,
	"konbini": true,
}

const (
	readyRetryAttempts = 3
	readyRetryBackoff  = 100 * time.Millisecond
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clk      clock.Clock
	Node     *snowflake.Node
	Records  transferdomain.Repository
	Bookings bookingdomain.Repository
	Detector *conflict.Detector
	Refunds  *refund.Engine
	Notifier notify.Notifier
}

// Service owns the per-event-type webhook handlers and the transfer record
// lifecycle they drive.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	clk      clock.Clock
	node     *snowflake.Node
	records  transferdomain.Repository
	bookings bookingdomain.Repository
	detector *conflict.Detector
	refunds  *refund.Engine
	notifier notify.Notifier
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		cfg:      p.Cfg,
		clk:      p.Clk,
		node:     p.Node,
		records:  p.Records,
		bookings: p.Bookings,
		detector: p.Detector,
		refunds:  p.Refunds,
		notifier: p.Notifier,
	}
}

// PaymentIntentEvent is the provider-agnostic view of a payment intent
// webhook the handlers consume.
type PaymentIntentEvent struct {
	PaymentIntentID    string
	Amount             int64
	Currency           string
	PaymentMethodTypes []string
	Metadata           map[string]string
	ErrorCode          string
	ErrorMessage       string
}

// ChargeEvent carries the charge-level webhooks (refunds).
type ChargeEvent struct {
	ChargeID        string
	PaymentIntentID string
	AmountRefunded  int64
}

// DisputeEvent carries charge.dispute.created.
type DisputeEvent struct {
	DisputeID       string
	PaymentIntentID string
	Reason          string
}

// HandleSucceeded settles a paid booking: conflict-checks delayed payment
// methods, refunds losers, and otherwise ensures a ready transfer record
// exists for the processor to pick up.
func (s *Service) HandleSucceeded(ctx context.Context, ev PaymentIntentEvent) error {
	md, err := paymentdomain.ParseCheckoutMetadata(ev.Metadata)
	if err != nil {
		s.log.Warn("checkout metadata rejected",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.Error(err),
		)
		return err
	}

	meeting, err := s.bookings.FindMeeting(ctx, s.db, md.MeetingID)
	if err != nil {
		return err
	}
	if meeting == nil {
		s.log.Warn("meeting not found for paid intent",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("meeting_id", md.MeetingID.String()),
		)
		return nil
	}

	record, err := s.records.FindByPaymentIntent(ctx, s.db, ev.PaymentIntentID)
	if err != nil {
		return err
	}
	if record != nil && transferdomain.IsTerminal(record.Status) {
		// A redelivery after the intent already settled. Re-running the
		// conflict check here would re-issue the refund.
		s.log.Info("intent already settled, nothing to do",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("status", record.Status),
		)
		return nil
	}

	if s.isDelayedMethod(ev.PaymentMethodTypes) {
		outcome := s.detector.Check(ctx, md.ExpertID, md.MeetingID, meeting.EventID, md.SessionStart)
		if outcome.Blocking() {
			conflictType := outcome.Reason
			s.log.Info("delayed payment lost its slot",
				zap.String("payment_intent_id", ev.PaymentIntentID),
				zap.String("conflict_type", conflictType),
				zap.Int("minimum_notice_hours", outcome.MinimumNoticeHours),
			)
			return s.refunds.Execute(ctx, refund.Input{
				Meeting:         meeting,
				Record:          record,
				PaymentIntentID: ev.PaymentIntentID,
				Amount:          ev.Amount,
				Currency:        ev.Currency,
				ConflictType:    conflictType,
			})
		}
	}

	if record == nil {
		won, err := s.insertReadyRecord(ctx, ev.PaymentIntentID, ev.Currency, md)
		if err != nil {
			return err
		}
		if won {
			s.onFirstPaymentSuccess(ctx, meeting, ev.Currency, md)
		}
		return nil
	}

	if record.Status == transferdomain.StatusPending {
		won, err := s.promotePendingRecord(ctx, record.ID)
		if err != nil {
			return err
		}
		if won {
			s.onFirstPaymentSuccess(ctx, meeting, ev.Currency, md)
		}
		return nil
	}

	s.log.Info("intent already settled, nothing to do",
		zap.String("payment_intent_id", ev.PaymentIntentID),
		zap.String("status", record.Status),
	)
	return nil
}

func (s *Service) insertReadyRecord(ctx context.Context, paymentIntentID, currency string, md *paymentdomain.CheckoutMetadata) (bool, error) {
	now := s.clk.Now()
	scheduled := md.ScheduledTransferAt
	if scheduled.Before(md.SessionStart) {
		scheduled = md.SessionStart
	}
	record := &transferdomain.TransferRecord{
		ID:                  s.node.Generate(),
		PaymentIntentID:     paymentIntentID,
		MeetingID:           md.MeetingID,
		ExpertID:            md.ExpertID,
		ExpertAccountID:     md.TransferAccountID,
		Amount:              md.Amount,
		PlatformFee:         md.PlatformFee,
		Currency:            currency,
		SessionStart:        md.SessionStart,
		ScheduledTransferAt: scheduled,
		Status:              transferdomain.StatusReady,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return s.records.Insert(ctx, s.db, record)
}

// promotePendingRecord races concurrent deliveries and the processors for
// the pending→ready edge; the retry only covers storage errors.
func (s *Service) promotePendingRecord(ctx context.Context, id snowflake.ID) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < readyRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(readyRetryBackoff)
		}
		won, err := s.records.TransitionStatus(ctx, s.db, id, transferdomain.StatusPending, transferdomain.StatusReady, s.clk.Now())
		if err != nil {
			lastErr = err
			continue
		}
		return won, nil
	}
	return false, lastErr
}

// onFirstPaymentSuccess runs the effects tied to the one transition that
// actually happened: the meeting mirror, the conferencing artifact, and the
// expert's payment notification. Side effects are best effort.
func (s *Service) onFirstPaymentSuccess(ctx context.Context, meeting *bookingdomain.Meeting, currency string, md *paymentdomain.CheckoutMetadata) {
	now := s.clk.Now()
	if err := s.bookings.UpdatePaymentStatus(ctx, s.db, meeting.ID, bookingdomain.PaymentStatusSucceeded, now); err != nil {
		s.log.Error("failed to mirror payment success onto meeting",
			zap.String("meeting_id", meeting.ID.String()),
			zap.Error(err),
		)
	}

	if meeting.ConferencingURL == "" {
		url := s.cfg.ConferencingBaseURL + "/m/" + meeting.ID.String()
		if _, err := s.bookings.SetConferencingURL(ctx, s.db, meeting.ID, url, now); err != nil {
			s.log.Error("failed to create conferencing artifact",
				zap.String("meeting_id", meeting.ID.String()),
				zap.Error(err),
			)
		}
	}

	s.notifier.Send(ctx, notify.Notification{
		Kind:      notify.KindPaymentReceived,
		Recipient: notify.RecipientExpert,
		ExpertID:  md.ExpertID,
		Data: map[string]any{
			"meeting_id":  meeting.ID.String(),
			"guest_name":  md.GuestName,
			"start_time":  md.SessionStart,
			"amount":      md.Amount,
			"currency":    currency,
			"guest_email": md.GuestEmail,
		},
	})
}

// HandleFailed records a terminal payment failure.
func (s *Service) HandleFailed(ctx context.Context, ev PaymentIntentEvent) error {
	record, err := s.records.FindByPaymentIntent(ctx, s.db, ev.PaymentIntentID)
	if err != nil {
		return err
	}

	meetingID, guestEmail, expertID := s.resolveMeetingRef(ev.Metadata, record)
	now := s.clk.Now()

	if meetingID != 0 {
		if err := s.bookings.UpdatePaymentStatus(ctx, s.db, meetingID, bookingdomain.PaymentStatusFailed, now); err != nil {
			s.log.Error("failed to mirror payment failure onto meeting",
				zap.String("meeting_id", meetingID.String()),
				zap.Error(err),
			)
		}
	}

	transitioned := false
	if record != nil {
		transitioned, err = s.records.MarkTerminal(ctx, s.db, record.ID, transferdomain.StatusFailed, ev.ErrorCode, ev.ErrorMessage, now)
		if err != nil {
			return err
		}
	}

	if record == nil || transitioned {
		data := map[string]any{
			"payment_intent_id": ev.PaymentIntentID,
			"error_code":        ev.ErrorCode,
		}
		if expertID != 0 {
			s.notifier.Send(ctx, notify.Notification{
				Kind:      notify.KindPaymentFailed,
				Recipient: notify.RecipientExpert,
				ExpertID:  expertID,
				Data:      data,
			})
		}
		if guestEmail != "" {
			s.notifier.Send(ctx, notify.Notification{
				Kind:       notify.KindPaymentFailed,
				Recipient:  notify.RecipientGuest,
				GuestEmail: guestEmail,
				Data:       data,
			})
		}
	}
	return nil
}

// HandleRefunded reconciles a provider-initiated refund. Money that already
// left for the expert's bank cannot be pulled back here; that case is logged
// for out-of-band handling.
func (s *Service) HandleRefunded(ctx context.Context, ev ChargeEvent) error {
	record, err := s.records.FindByPaymentIntent(ctx, s.db, ev.PaymentIntentID)
	if err != nil {
		return err
	}
	if record == nil {
		s.log.Info("refund for unknown intent ignored", zap.String("payment_intent_id", ev.PaymentIntentID))
		return nil
	}
	if record.Status == transferdomain.StatusPaidOut {
		s.log.Warn("refund arrived after payout, requires out-of-band recovery",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.Int64("record_id", int64(record.ID)),
			zap.Int64("amount_refunded", ev.AmountRefunded),
		)
		return nil
	}

	now := s.clk.Now()
	if _, err := s.records.MarkTerminal(ctx, s.db, record.ID, transferdomain.StatusRefunded, "", "", now); err != nil {
		return err
	}
	return s.bookings.UpdatePaymentStatus(ctx, s.db, record.MeetingID, bookingdomain.PaymentStatusRefunded, now)
}

// HandleDisputeCreated freezes the ledger row while the dispute runs.
func (s *Service) HandleDisputeCreated(ctx context.Context, ev DisputeEvent) error {
	record, err := s.records.FindByPaymentIntent(ctx, s.db, ev.PaymentIntentID)
	if err != nil {
		return err
	}
	if record == nil {
		s.log.Info("dispute for unknown intent ignored", zap.String("payment_intent_id", ev.PaymentIntentID))
		return nil
	}

	now := s.clk.Now()
	transitioned, err := s.records.MarkTerminal(ctx, s.db, record.ID, transferdomain.StatusDisputed, "", "", now)
	if err != nil {
		return err
	}
	if !transitioned {
		s.log.Warn("dispute against settled record",
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.String("status", record.Status),
		)
		return nil
	}
	return s.records.AppendAdminNote(ctx, s.db, record.ID, "dispute opened: "+ev.Reason+" ("+ev.DisputeID+")", now)
}

// HandleRequiresAction emits the guest nudge for an intent stuck waiting on
// authentication or an offline payment step. No state changes.
func (s *Service) HandleRequiresAction(ctx context.Context, ev PaymentIntentEvent) error {
	md, err := paymentdomain.ParseCheckoutMetadata(ev.Metadata)
	if err != nil {
		s.log.Info("requires_action without usable metadata",
			zap.String("payment_intent_id", ev.PaymentIntentID),
		)
		return nil
	}

	s.log.Info("payment waiting on customer action",
		zap.String("payment_intent_id", ev.PaymentIntentID),
		zap.String("meeting_id", md.MeetingID.String()),
	)
	s.notifier.Send(ctx, notify.Notification{
		Kind:       notify.KindActionRequired,
		Recipient:  notify.RecipientGuest,
		GuestEmail: md.GuestEmail,
		Data: map[string]any{
			"payment_intent_id": ev.PaymentIntentID,
			"meeting_id":        md.MeetingID.String(),
			"start_time":        md.SessionStart,
		},
	})
	return nil
}

func (s *Service) isDelayedMethod(types []string) bool {
	for _, t := range types {
		if delayedMethods[t] {
			return true
		}
	}
	return false
}

// resolveMeetingRef works out who to tell about a failure, preferring the
// metadata and falling back to the stored record when the metadata is broken.
func (s *Service) resolveMeetingRef(metadata map[string]string, record *transferdomain.TransferRecord) (snowflake.ID, string, snowflake.ID) {
	md, err := paymentdomain.ParseCheckoutMetadata(metadata)
	if err == nil {
		return md.MeetingID, md.GuestEmail, md.ExpertID
	}
	var merr *paymentdomain.MetadataError
	if !errors.As(err, &merr) {
		s.log.Warn("unexpected metadata parse failure", zap.Error(err))
	}
	if record != nil {
		return record.MeetingID, "", record.ExpertID
	}
	return 0, "", 0
}
