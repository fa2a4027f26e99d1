package e2e

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/expertpay/internal/booking/repository"
	"github.com/smallbiznis/expertpay/internal/clock"
	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/conflict"
	"github.com/smallbiznis/expertpay/internal/heartbeat"
	"github.com/smallbiznis/expertpay/internal/notify"
	paymentdomain "github.com/smallbiznis/expertpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/expertpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/expertpay/internal/payment/service"
	"github.com/smallbiznis/expertpay/internal/payment/webhook"
	"github.com/smallbiznis/expertpay/internal/payout"
	"github.com/smallbiznis/expertpay/internal/provider"
	"github.com/smallbiznis/expertpay/internal/refund"
	"github.com/smallbiznis/expertpay/internal/server"
	transferdomain "github.com/smallbiznis/expertpay/internal/transfer/domain"
	transferjob "github.com/smallbiznis/expertpay/internal/transfer/job"
	transferrepo "github.com/smallbiznis/expertpay/internal/transfer/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	webhookSecret = "whsec_e2e"
	triggerSecret = "trigger-e2e"
)

// scriptedGateway plays the provider with canned responses and counts the
// money-moving calls so the run can assert exactly-once behavior.
type scriptedGateway struct {
	transferCalls int
	payoutCalls   int
	refundCalls   int
}

func (g *scriptedGateway) ChargeForIntent(ctx context.Context, paymentIntentID string) (*provider.Charge, error) {
	return &provider.Charge{
		ID:                 "ch_1",
		Amount:             10000,
		Currency:           "usd",
		PaymentMethodTypes: []string{"card"},
	}, nil
}

func (g *scriptedGateway) FindTransferForCharge(ctx context.Context, destinationID, chargeID string) (*provider.Transfer, error) {
	return nil, nil
}

func (g *scriptedGateway) CreateTransfer(ctx context.Context, in provider.CreateTransferInput) (*provider.Transfer, error) {
	g.transferCalls++
	return &provider.Transfer{
		ID:             "tr_1",
		Amount:         in.Amount,
		Currency:       in.Currency,
		SourceChargeID: in.SourceChargeID,
		DestinationID:  in.DestinationID,
	}, nil
}

func (g *scriptedGateway) CreateRefund(ctx context.Context, in provider.CreateRefundInput) (*provider.Refund, error) {
	g.refundCalls++
	return &provider.Refund{ID: "re_1", Amount: in.Amount}, nil
}

func (g *scriptedGateway) CreatePayout(ctx context.Context, in provider.CreatePayoutInput) (*provider.Payout, error) {
	g.payoutCalls++
	return &provider.Payout{ID: "po_1", Amount: in.Amount, Currency: in.Currency}, nil
}

func (g *scriptedGateway) AvailableBalances(ctx context.Context, accountID string) ([]provider.Balance, error) {
	return []provider.Balance{{Currency: "USD", Amount: 9000}}, nil
}

func (g *scriptedGateway) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	return []provider.Account{}, nil
}

type notifierRecorder struct {
	sent []notify.Notification
}

func (n *notifierRecorder) Send(ctx context.Context, msg notify.Notification) {
	n.sent = append(n.sent, msg)
}

func (n *notifierRecorder) countKind(kind string) int {
	count := 0
	for _, msg := range n.sent {
		if msg.Kind == kind {
			count++
		}
	}
	return count
}

type harness struct {
	db       *gorm.DB
	router   *gin.Engine
	clk      *clock.FakeClock
	gateway  *scriptedGateway
	recorder *notifierRecorder

	expertID snowflake.ID
	meeting  *bookingdomain.Meeting
}

// newHarness wires the whole engine over one in-memory database, with only
// the provider gateway and the notifier swapped for test doubles.
func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&transferdomain.TransferRecord{},
		&paymentdomain.EventRecord{},
		&bookingdomain.Meeting{},
		&bookingdomain.Event{},
		&bookingdomain.ExpertPolicy{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	gateway := &scriptedGateway{}
	recorder := &notifierRecorder{}
	logger := zap.NewNop()
	cfg := config.Config{
		StripeWebhookSecret: webhookSecret,
		TriggerJWTSecret:    triggerSecret,
		ConferencingBaseURL: "https://meet.example.com",
		Payout: config.PayoutConfig{
			HoldingWindow:    24 * time.Hour,
			TransferRetryCap: 3,
			SweepMinBalance:  100,
		},
	}

	records := transferrepo.Provide()
	bookings := bookingrepo.Provide()
	events := paymentrepo.Provide()
	pinger := heartbeat.NewPinger(logger)

	detector := conflict.NewDetector(db, bookings, clk, logger)
	refunds := refund.NewEngine(db, records, bookings, gateway, recorder, clk, logger)
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      logger,
		Cfg:      cfg,
		Clk:      clk,
		Node:     node,
		Records:  records,
		Bookings: bookings,
		Detector: detector,
		Refunds:  refunds,
		Notifier: recorder,
	})
	webhooks := webhook.NewService(webhook.Params{
		DB:         db,
		Log:        logger,
		Cfg:        cfg,
		Clk:        clk,
		Node:       node,
		Events:     events,
		PaymentSvc: paymentSvc,
	})
	transfers := transferjob.NewProcessor(transferjob.Params{
		DB:      db,
		Log:     logger,
		Cfg:     cfg,
		Clk:     clk,
		Records: records,
		Gateway: gateway,
		Pinger:  pinger,
	})
	payouts := payout.NewProcessor(payout.Params{
		DB:       db,
		Log:      logger,
		Cfg:      cfg,
		Clk:      clk,
		Records:  records,
		Bookings: bookings,
		Gateway:  gateway,
		Notifier: recorder,
		Pinger:   pinger,
	})

	router := gin.New()
	router.Use(server.ErrorHandlingMiddleware())
	server.NewServer(server.ServerParams{
		Gin:       router,
		Cfg:       cfg,
		Log:       logger,
		Webhooks:  webhooks,
		Transfers: transfers,
		Payouts:   payouts,
	})

	h := &harness{db: db, router: router, clk: clk, gateway: gateway, recorder: recorder}

	h.expertID = node.Generate()
	event := &bookingdomain.Event{
		ID:              node.Generate(),
		ExpertID:        h.expertID,
		Title:           "consultation",
		DurationMinutes: 30,
	}
	require.NoError(t, db.Create(event).Error)

	h.meeting = &bookingdomain.Meeting{
		ID:            node.Generate(),
		ExpertID:      h.expertID,
		EventID:       event.ID,
		GuestEmail:    "guest@example.com",
		GuestName:     "Ada Guest",
		StartTime:     time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC),
		PaymentStatus: bookingdomain.PaymentStatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, db.Create(h.meeting).Error)
	return h
}

func (h *harness) succeededPayload(eventID string) []byte {
	start := h.meeting.StartTime.Format(time.RFC3339)
	return fmt.Appendf(nil, `{
		"id": %q,
		"api_version": %q,
		"type": "payment_intent.succeeded",
		"data": {
			"object": {
				"id": "pi_1",
				"amount": 10000,
				"currency": "usd",
				"payment_method_types": ["card"],
				"metadata": {
					"v": "1",
					"meeting_id": %q,
					"meeting_expert": %q,
					"meeting_guest": "guest@example.com",
					"meeting_guest_name": "Ada Guest",
					"meeting_start": %q,
					"meeting_dur": "30",
					"transfer_account": "acct_123",
					"transfer_country": "US",
					"transfer_scheduled": %q,
					"pay_amount": "9000",
					"pay_fee": "1000",
					"pay_expert": %q
				}
			}
		}
	}`, eventID, stripe.APIVersion, h.meeting.ID.String(), h.expertID.String(), start, start, h.expertID.String())
}

func (h *harness) postWebhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	signature := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postJob(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) triggerToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "ops-scheduler",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}).SignedString([]byte(triggerSecret))
	require.NoError(t, err)
	return token
}

func (h *harness) record(t *testing.T) *transferdomain.TransferRecord {
	t.Helper()
	var rec transferdomain.TransferRecord
	require.NoError(t, h.db.Where("payment_intent_id = ?", "pi_1").First(&rec).Error)
	return &rec
}

func TestLifecycle_ReadyToFundsMovedToPaidOut(t *testing.T) {
	h := newHarness(t)
	payload := h.succeededPayload("evt_1")

	// Payment settles; the ledger row is born ready.
	resp := h.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, resp.Code)
	rec := h.record(t)
	assert.Equal(t, transferdomain.StatusReady, rec.Status)
	assert.Equal(t, int64(9000), rec.Amount)
	assert.Equal(t, 1, h.recorder.countKind(notify.KindPaymentReceived))

	// Redelivery of the same event changes nothing.
	resp = h.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, h.recorder.countKind(notify.KindPaymentReceived))

	// Job triggers demand a signed token.
	assert.Equal(t, http.StatusUnauthorized, h.postJob(t, "/jobs/transfers/run", "").Code)
	token := h.triggerToken(t)

	// Before the scheduled time nothing is due.
	resp = h.postJob(t, "/jobs/transfers/run", token)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, transferdomain.StatusReady, h.record(t).Status)
	assert.Equal(t, 0, h.gateway.transferCalls)

	// Session time arrives; funds move exactly once.
	h.clk.Advance(h.meeting.StartTime.Sub(h.clk.Now()) + 5*time.Minute)
	resp = h.postJob(t, "/jobs/transfers/run", token)
	require.Equal(t, http.StatusOK, resp.Code)

	var transferSummary transferjob.Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &transferSummary))
	assert.Equal(t, 1, transferSummary.Succeeded)

	rec = h.record(t)
	assert.Equal(t, transferdomain.StatusFundsMoved, rec.Status)
	require.NotNil(t, rec.TransferID)
	assert.Equal(t, "tr_1", *rec.TransferID)

	h.postJob(t, "/jobs/transfers/run", token)
	assert.Equal(t, 1, h.gateway.transferCalls)

	// Still inside the holding window: deferred, not paid.
	resp = h.postJob(t, "/jobs/payouts/run", token)
	require.Equal(t, http.StatusOK, resp.Code)

	var payoutSummary payout.Summary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payoutSummary))
	assert.Equal(t, 1, payoutSummary.Deferred)
	assert.Equal(t, 0, h.gateway.payoutCalls)

	// Two days later the window has passed.
	h.clk.Advance(48 * time.Hour)
	resp = h.postJob(t, "/jobs/payouts/run", token)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payoutSummary))
	assert.Equal(t, 1, payoutSummary.PaidOut)

	rec = h.record(t)
	assert.Equal(t, transferdomain.StatusPaidOut, rec.Status)
	require.NotNil(t, rec.PayoutID)
	assert.Equal(t, "po_1", *rec.PayoutID)
	assert.Equal(t, 1, h.recorder.countKind(notify.KindPayoutSent))

	// Reruns and redeliveries after settlement are all no-ops.
	h.postJob(t, "/jobs/payouts/run", token)
	h.postWebhook(t, payload)
	assert.Equal(t, 1, h.gateway.payoutCalls)
	assert.Equal(t, transferdomain.StatusPaidOut, h.record(t).Status)
	assert.Equal(t, 1, h.recorder.countKind(notify.KindPaymentReceived))
	assert.Equal(t, 1, h.recorder.countKind(notify.KindPayoutSent))
	assert.Equal(t, 0, h.gateway.refundCalls)
}
