package provider

import (
	"context"
	"errors"
)

// Charge is the settled payment backing a transfer.
type Charge struct {
	ID                 string
	Amount             int64
	Currency           string
	PaymentMethodTypes []string
}

// Transfer is a platform-to-sub-account funds movement.
type Transfer struct {
	ID             string
	Amount         int64
	Currency       string
	SourceChargeID string
	DestinationID  string
}

// Payout is a sub-account-to-bank funds movement.
type Payout struct {
	ID       string
	Amount   int64
	Currency string
}

// Refund is a full or partial reversal of a charge.
type Refund struct {
	ID     string
	Amount int64
}

// Balance is one currency bucket of an account's available funds.
type Balance struct {
	Currency string
	Amount   int64
}

// Account is a connected sub-account as the provider sees it.
type Account struct {
	ID                   string
	PayoutsEnabled       bool
	ManualPayoutSchedule bool
}

type CreateTransferInput struct {
	Amount         int64
	Currency       string
	DestinationID  string
	SourceChargeID string
	IdempotencyKey string
	Metadata       map[string]string
}

type CreateRefundInput struct {
	PaymentIntentID string
	Amount          int64
	IdempotencyKey  string
	Metadata        map[string]string
}

type CreatePayoutInput struct {
	AccountID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

var ErrChargeNotFound = errors.New("charge not found for payment intent")

// Error carries the provider's stable error code alongside the human message,
// so callers can persist the code without knowing the SDK's error shape.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// CodeOf returns the provider error code, or a generic one for errors that
// did not come from the provider.
func CodeOf(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return "provider_error"
}

// Gateway is the narrow outbound surface toward the payment provider. The
// webhook path never goes through it; only refunds, transfers, payouts, and
// the reads those need.
type Gateway interface {
	ChargeForIntent(ctx context.Context, paymentIntentID string) (*Charge, error)
	FindTransferForCharge(ctx context.Context, destinationID, chargeID string) (*Transfer, error)
	CreateTransfer(ctx context.Context, in CreateTransferInput) (*Transfer, error)
	CreateRefund(ctx context.Context, in CreateRefundInput) (*Refund, error)
	CreatePayout(ctx context.Context, in CreatePayoutInput) (*Payout, error)
	AvailableBalances(ctx context.Context, accountID string) ([]Balance, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}
