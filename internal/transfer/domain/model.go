package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransferRecord is the ledger row tracking money owed to an expert for one
// paid appointment. One record per payment intent; records are never deleted.
type TransferRecord struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentIntentID string       `json:"payment_intent_id" gorm:"type:text;not null;uniqueIndex"`
	ChargeID        *string      `json:"charge_id" gorm:"type:text"`
	TransferID      *string      `json:"transfer_id" gorm:"type:text"`
	PayoutID        *string      `json:"payout_id" gorm:"type:text"`

	MeetingID       snowflake.ID `json:"meeting_id" gorm:"not null;index"`
	ExpertID        snowflake.ID `json:"expert_id" gorm:"not null;index"`
	ExpertAccountID string       `json:"expert_account_id" gorm:"type:text;not null"`

	Amount      int64  `json:"amount" gorm:"not null"`
	PlatformFee int64  `json:"platform_fee" gorm:"not null"`
	Currency    string `json:"currency" gorm:"type:char(3);not null"`

	SessionStart        time.Time `json:"session_start" gorm:"not null"`
	ScheduledTransferAt time.Time `json:"scheduled_transfer_at" gorm:"not null;index:idx_transfer_records_due,priority:2"`

	Status           string `json:"status" gorm:"type:text;not null;index:idx_transfer_records_due,priority:1"`
	RetryCount       int    `json:"retry_count" gorm:"not null;default:0"`
	LastErrorCode    string `json:"last_error_code" gorm:"type:text"`
	LastErrorMessage string `json:"last_error_message" gorm:"type:text"`

	RequiresApproval bool   `json:"requires_approval" gorm:"not null;default:false"`
	AdminNotes       string `json:"admin_notes" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (TransferRecord) TableName() string { return "transfer_records" }

const (
	StatusPending      = "pending"
	StatusReady        = "ready"
	StatusApproved     = "approved"
	StatusFundsMoved   = "funds_moved"
	StatusPaidOut      = "paid_out"
	StatusFailed       = "failed"
	StatusRefunded     = "refunded"
	StatusRefundFailed = "refund_failed"
	StatusDisputed     = "disputed"
)

// IsTerminal reports whether a record in the given status may never change
// status again.
func IsTerminal(status string) bool {
	switch status {
	case StatusPaidOut, StatusRefunded, StatusRefundFailed, StatusDisputed:
		return true
	}
	return false
}


type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *TransferRecord) (bool, error)
	FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*TransferRecord, error)
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, updatedAt time.Time) (bool, error)
	ListReadyForTransfer(ctx context.Context, db *gorm.DB, now time.Time) ([]TransferRecord, error)
	ListAwaitingPayout(ctx context.Context, db *gorm.DB) ([]TransferRecord, error)
	SetChargeID(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeID string, updatedAt time.Time) error
	MarkFundsMoved(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, updatedAt time.Time) (bool, error)
	MarkPaidOut(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutID string, updatedAt time.Time) (bool, error)
	RecordTransferFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, errCode, errMessage string, retryCap int, updatedAt time.Time) error
	MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, to, errCode, errMessage string, updatedAt time.Time) (bool, error)
	AppendAdminNote(ctx context.Context, db *gorm.DB, id snowflake.ID, note string, updatedAt time.Time) error
}
