package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/expertpay/internal/transfer/domain"
	pkgdb "github.com/smallbiznis/expertpay/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.TransferRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO transfer_records (
			id, payment_intent_id, charge_id, transfer_id, payout_id,
			meeting_id, expert_id, expert_account_id,
			amount, platform_fee, currency,
			session_start, scheduled_transfer_at,
			status, retry_count, last_error_code, last_error_message,
			requires_approval, admin_notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_intent_id) DO NOTHING`,
		record.ID,
		record.PaymentIntentID,
		record.ChargeID,
		record.TransferID,
		record.PayoutID,
		record.MeetingID,
		record.ExpertID,
		record.ExpertAccountID,
		record.Amount,
		record.PlatformFee,
		record.Currency,
		record.SessionStart,
		record.ScheduledTransferAt,
		record.Status,
		record.RetryCount,
		record.LastErrorCode,
		record.LastErrorMessage,
		record.RequiresApproval,
		record.AdminNotes,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByPaymentIntent(ctx context.Context, db *gorm.DB, paymentIntentID string) (*domain.TransferRecord, error) {
	var item domain.TransferRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transfer_records
		 WHERE payment_intent_id = ?
		 LIMIT 1`,
		paymentIntentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// TransitionStatus advances a record only if it still holds the expected
// status. The boolean result is the caller's signal that this process won the
// write race.
func (r *repo) TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		updatedAt,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListReadyForTransfer(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.TransferRecord, error) {
	var items []domain.TransferRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transfer_records
		 WHERE ((status = ? AND scheduled_transfer_at <= ? AND NOT requires_approval) OR status = ?)
		   AND transfer_id IS NULL
		 ORDER BY scheduled_transfer_at ASC`,
		domain.StatusReady,
		now,
		domain.StatusApproved,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListAwaitingPayout(ctx context.Context, db *gorm.DB) ([]domain.TransferRecord, error) {
	var items []domain.TransferRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM transfer_records
		 WHERE status = ? AND payout_id IS NULL
		 ORDER BY session_start ASC`,
		domain.StatusFundsMoved,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetChargeID(ctx context.Context, db *gorm.DB, id snowflake.ID, chargeID string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET charge_id = ?, updated_at = ?
		 WHERE id = ? AND charge_id IS NULL`,
		chargeID,
		updatedAt,
		id,
	).Error
}

func (r *repo) MarkFundsMoved(ctx context.Context, db *gorm.DB, id snowflake.ID, transferID string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET status = ?, transfer_id = ?, last_error_code = '', last_error_message = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND transfer_id IS NULL`,
		domain.StatusFundsMoved,
		transferID,
		updatedAt,
		id,
		domain.StatusReady,
		domain.StatusApproved,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkPaidOut(ctx context.Context, db *gorm.DB, id snowflake.ID, payoutID string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET status = ?, payout_id = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND payout_id IS NULL`,
		domain.StatusPaidOut,
		payoutID,
		updatedAt,
		id,
		domain.StatusFundsMoved,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordTransferFailure bumps the retry counter and escalates to failed once
// the cap is reached. Terminal rows are left untouched.
func (r *repo) RecordTransferFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, errCode, errMessage string, retryCap int, updatedAt time.Time) error {
	err := db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET retry_count = retry_count + 1, last_error_code = ?, last_error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		errCode,
		errMessage,
		updatedAt,
		id,
		domain.StatusReady,
		domain.StatusApproved,
	).Error
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?) AND retry_count >= ?`,
		domain.StatusFailed,
		updatedAt,
		id,
		domain.StatusReady,
		domain.StatusApproved,
		retryCap,
	).Error
}

// MarkTerminal moves a record into a terminal status unless it already sits
// in one or in the target status. paid_out in particular is never
// overwritten, and redeliveries of the same outcome report no transition.
func (r *repo) MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, to, errCode, errMessage string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET status = ?, last_error_code = ?, last_error_message = ?, updated_at = ?
		 WHERE id = ? AND status <> ? AND status NOT IN (?, ?, ?, ?)`,
		to,
		errCode,
		errMessage,
		updatedAt,
		id,
		to,
		domain.StatusPaidOut,
		domain.StatusRefunded,
		domain.StatusRefundFailed,
		domain.StatusDisputed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AppendAdminNote(ctx context.Context, db *gorm.DB, id snowflake.ID, note string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE transfer_records
		 SET admin_notes = CASE WHEN admin_notes = '' THEN ? ELSE admin_notes || '; ' || ? END,
		     updated_at = ?
		 WHERE id = ?`,
		note,
		note,
		updatedAt,
		id,
	).Error
}
