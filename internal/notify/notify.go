package notify

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	KindPaymentReceived = "payment_received"
	KindPaymentFailed   = "payment_failed"
	KindRefundIssued    = "refund_issued"
	KindRefundFailed    = "refund_failed"
	KindPayoutSent      = "payout_sent"
	KindActionRequired  = "action_required"
)

const (
	RecipientExpert = "expert"
	RecipientGuest  = "guest"
	RecipientAdmin  = "admin"
)

// Notification is the structured payload handed to the delivery system.
// Rendering, localization, and channel selection happen downstream.
type Notification struct {
	Kind       string
	Recipient  string
	ExpertID   snowflake.ID
	GuestEmail string
	Data       map[string]any
}

// Notifier hands notifications to the external delivery system. Send is
// best-effort; callers never fail a money-movement path on delivery errors.
type Notifier interface {
	Send(ctx context.Context, n Notification)
}

type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier emits notifications as structured log events for the
// delivery pipeline to consume.
func NewLogNotifier(logger *zap.Logger) Notifier {
	return &logNotifier{logger: logger.Named("notify")}
}

func (l *logNotifier) Send(ctx context.Context, n Notification) {
	_ = ctx
	l.logger.Info("notification.emit",
		zap.String("kind", n.Kind),
		zap.String("recipient", n.Recipient),
		zap.Int64("expert_id", int64(n.ExpertID)),
		zap.String("guest_email", n.GuestEmail),
		zap.Any("data", n.Data),
	)
}

var Module = fx.Module("notify",
	fx.Provide(NewLogNotifier),
)
