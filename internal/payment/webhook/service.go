package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	paymentdomain "github.com/smallbiznis/expertpay/internal/payment/domain"
	paymentservice "github.com/smallbiznis/expertpay/internal/payment/service"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const providerName = "stripe"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clk        clock.Clock
	Node       *snowflake.Node
	Events     paymentdomain.Repository
	PaymentSvc *paymentservice.Service
}

// Service is the webhook ingest boundary: verify, dedup, route, always ack.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	secret     string
	clk        clock.Clock
	node       *snowflake.Node
	events     paymentdomain.Repository
	paymentSvc *paymentservice.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		secret:     p.Cfg.StripeWebhookSecret,
		clk:        p.Clk,
		node:       p.Node,
		events:     p.Events,
		paymentSvc: p.PaymentSvc,
	}
}

// IngestWebhook verifies and processes one delivery. Once the payload is
// authentic the provider gets an acknowledgment no matter what the handler
// did, so a buggy handler cannot force an endless redelivery storm; only
// ErrInvalidSignature and the already-processed marker surface to the HTTP
// layer, and the latter still answers 200.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := stripewebhook.ConstructEvent(payload, sigHeader, s.secret)
	if err != nil {
		s.log.Warn("webhook signature rejected", zap.Error(err))
		return paymentdomain.ErrInvalidSignature
	}

	eventType := string(event.Type)
	inserted, err := s.events.InsertEvent(ctx, s.db, &paymentdomain.EventRecord{
		ID:              s.node.Generate(),
		Provider:        providerName,
		ProviderEventID: event.ID,
		EventType:       eventType,
		Payload:         payload,
		ReceivedAt:      s.clk.Now(),
	})
	if err != nil {
		s.log.Error("failed to record webhook delivery", zap.String("event_id", event.ID), zap.Error(err))
		return nil
	}
	if !inserted {
		existing, err := s.events.FindEvent(ctx, s.db, providerName, event.ID)
		if err != nil {
			s.log.Error("failed to look up duplicate delivery", zap.String("event_id", event.ID), zap.Error(err))
			return nil
		}
		if existing != nil && existing.ProcessedAt != nil {
			s.log.Info("duplicate delivery of processed event", zap.String("event_id", event.ID))
			return paymentdomain.ErrEventAlreadyProcessed
		}
		// First processing attempt did not finish; handlers are idempotent,
		// so run again.
	}

	if err := s.route(ctx, event); err != nil {
		if !errors.Is(err, paymentdomain.ErrUnsupportedEvent) {
			s.log.Error("webhook handler failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
			// Leave the event unprocessed so a redelivery re-runs the
			// handler.
			return nil
		}
		s.log.Debug("ignoring event type", zap.String("event_type", eventType))
	}

	if existing, err := s.events.FindEvent(ctx, s.db, providerName, event.ID); err == nil && existing != nil {
		if err := s.events.MarkProcessed(ctx, s.db, existing.ID, s.clk.Now()); err != nil {
			s.log.Error("failed to mark event processed", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) route(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case paymentdomain.EventPaymentSucceeded:
		ev, err := s.parseIntent(event)
		if err != nil {
			return err
		}
		return s.paymentSvc.HandleSucceeded(ctx, ev)
	case paymentdomain.EventPaymentFailed:
		ev, err := s.parseIntent(event)
		if err != nil {
			return err
		}
		return s.paymentSvc.HandleFailed(ctx, ev)
	case paymentdomain.EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return err
		}
		ev := paymentservice.ChargeEvent{
			ChargeID:       charge.ID,
			AmountRefunded: charge.AmountRefunded,
		}
		if charge.PaymentIntent != nil {
			ev.PaymentIntentID = charge.PaymentIntent.ID
		}
		return s.paymentSvc.HandleRefunded(ctx, ev)
	case paymentdomain.EventDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return err
		}
		ev := paymentservice.DisputeEvent{
			DisputeID: dispute.ID,
			Reason:    string(dispute.Reason),
		}
		if dispute.PaymentIntent != nil {
			ev.PaymentIntentID = dispute.PaymentIntent.ID
		}
		return s.paymentSvc.HandleDisputeCreated(ctx, ev)
	case paymentdomain.EventRequiresAction:
		ev, err := s.parseIntent(event)
		if err != nil {
			return err
		}
		return s.paymentSvc.HandleRequiresAction(ctx, ev)
	default:
		return paymentdomain.ErrUnsupportedEvent
	}
}

func (s *Service) parseIntent(event stripe.Event) (paymentservice.PaymentIntentEvent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return paymentservice.PaymentIntentEvent{}, err
	}
	ev := paymentservice.PaymentIntentEvent{
		PaymentIntentID:    intent.ID,
		Amount:             intent.Amount,
		Currency:           strings.ToUpper(string(intent.Currency)),
		PaymentMethodTypes: intent.PaymentMethodTypes,
		Metadata:           intent.Metadata,
	}
	if intent.LastPaymentError != nil {
		ev.ErrorCode = string(intent.LastPaymentError.Code)
		ev.ErrorMessage = intent.LastPaymentError.Msg
	}
	return ev, nil
}
