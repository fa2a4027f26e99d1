package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/expertpay/internal/config"
	"github.com/smallbiznis/expertpay/internal/provider"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Gateway implements provider.Gateway on top of the Stripe SDK. The API
// client is injected, never the package-level singleton, so tests can swap
// the whole gateway out.
type Gateway struct {
	api *client.API
}

func NewClient(cfg config.Config) *client.API {
	api := &client.API{}
	api.Init(cfg.StripeSecretKey, nil)
	return api
}

func NewGateway(api *client.API) *Gateway {
	return &Gateway{api: api}
}

func (g *Gateway) ChargeForIntent(ctx context.Context, paymentIntentID string) (*provider.Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := g.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, wrapErr(err)
	}
	if intent.LatestCharge == nil || intent.LatestCharge.ID == "" {
		return nil, provider.ErrChargeNotFound
	}

	return &provider.Charge{
		ID:                 intent.LatestCharge.ID,
		Amount:             intent.LatestCharge.Amount,
		Currency:           strings.ToUpper(string(intent.LatestCharge.Currency)),
		PaymentMethodTypes: intent.PaymentMethodTypes,
	}, nil
}

// FindTransferForCharge scans recent transfers to the destination account for
// one sourced from the given charge. Used as the duplicate guard before
// creating a new transfer.
func (g *Gateway) FindTransferForCharge(ctx context.Context, destinationID, chargeID string) (*provider.Transfer, error) {
	params := &stripe.TransferListParams{
		Destination: stripe.String(destinationID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	iter := g.api.Transfers.List(params)
	for iter.Next() {
		t := iter.Transfer()
		if t.SourceTransaction != nil && t.SourceTransaction.ID == chargeID {
			return toTransfer(t), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return nil, nil
}

func (g *Gateway) CreateTransfer(ctx context.Context, in provider.CreateTransferInput) (*provider.Transfer, error) {
	params := &stripe.TransferParams{
		Amount:            stripe.Int64(in.Amount),
		Currency:          stripe.String(strings.ToLower(in.Currency)),
		Destination:       stripe.String(in.DestinationID),
		SourceTransaction: stripe.String(in.SourceChargeID),
		Metadata:          in.Metadata,
	}
	params.Context = ctx
	params.SetIdempotencyKey(in.IdempotencyKey)

	t, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return toTransfer(t), nil
}

func (g *Gateway) CreateRefund(ctx context.Context, in provider.CreateRefundInput) (*provider.Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(in.PaymentIntentID),
		Amount:        stripe.Int64(in.Amount),
		Metadata:      in.Metadata,
	}
	params.SetIdempotencyKey(in.IdempotencyKey)
	params.Context = ctx

	ref, err := g.api.Refunds.New(params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &provider.Refund{ID: ref.ID, Amount: ref.Amount}, nil
}

func (g *Gateway) CreatePayout(ctx context.Context, in provider.CreatePayoutInput) (*provider.Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(in.Amount),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		Metadata: in.Metadata,
	}
	params.Context = ctx
	params.SetStripeAccount(in.AccountID)
	params.SetIdempotencyKey(in.IdempotencyKey)

	po, err := g.api.Payouts.New(params)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &provider.Payout{
		ID:       po.ID,
		Amount:   po.Amount,
		Currency: strings.ToUpper(string(po.Currency)),
	}, nil
}

func (g *Gateway) AvailableBalances(ctx context.Context, accountID string) ([]provider.Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	bal, err := g.api.Balance.Get(params)
	if err != nil {
		return nil, wrapErr(err)
	}

	out := make([]provider.Balance, 0, len(bal.Available))
	for _, avail := range bal.Available {
		out = append(out, provider.Balance{
			Currency: strings.ToUpper(string(avail.Currency)),
			Amount:   avail.Amount,
		})
	}
	return out, nil
}

func (g *Gateway) ListAccounts(ctx context.Context) ([]provider.Account, error) {
	params := &stripe.AccountListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []provider.Account
	iter := g.api.Accounts.List(params)
	for iter.Next() {
		out = append(out, *toAccount(iter.Account()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func toTransfer(t *stripe.Transfer) *provider.Transfer {
	out := &provider.Transfer{
		ID:       t.ID,
		Amount:   t.Amount,
		Currency: strings.ToUpper(string(t.Currency)),
	}
	if t.SourceTransaction != nil {
		out.SourceChargeID = t.SourceTransaction.ID
	}
	if t.Destination != nil {
		out.DestinationID = t.Destination.ID
	}
	return out
}

func toAccount(acct *stripe.Account) *provider.Account {
	out := &provider.Account{
		ID:             acct.ID,
		PayoutsEnabled: acct.PayoutsEnabled,
	}
	if acct.Settings != nil && acct.Settings.Payouts != nil && acct.Settings.Payouts.Schedule != nil {
		out.ManualPayoutSchedule = acct.Settings.Payouts.Schedule.Interval == "manual"
	}
	return out
}

// wrapErr normalizes SDK errors into provider.Error so callers can persist
// a stable code.
func wrapErr(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := string(stripeErr.Code)
		if code == "" {
			code = string(stripeErr.Type)
		}
		return &provider.Error{Code: code, Message: stripeErr.Msg}
	}
	return &provider.Error{Code: "provider_error", Message: err.Error()}
}

var _ provider.Gateway = (*Gateway)(nil)
