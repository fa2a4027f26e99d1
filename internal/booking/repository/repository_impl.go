package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/expertpay/internal/booking/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindMeeting(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Meeting, error) {
	var item domain.Meeting
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM meetings WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListSucceededMeetings(ctx context.Context, db *gorm.DB, expertID snowflake.ID, excludeMeetingID snowflake.ID) ([]domain.Meeting, error) {
	var items []domain.Meeting
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM meetings
		 WHERE expert_id = ? AND payment_status = ? AND id <> ?`,
		expertID,
		domain.PaymentStatusSucceeded,
		excludeMeetingID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM events WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MinimumNoticeMinutes(ctx context.Context, db *gorm.DB, expertID snowflake.ID) (int, error) {
	var item domain.ExpertPolicy
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM expert_policies WHERE expert_id = ? LIMIT 1`,
		expertID,
	).Scan(&item).Error
	if err != nil {
		return 0, err
	}
	if item.ExpertID == 0 || item.MinimumNoticeMinutes <= 0 {
		return domain.DefaultMinimumNoticeMinutes, nil
	}
	return item.MinimumNoticeMinutes, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE meetings
		 SET payment_status = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		updatedAt,
		id,
	).Error
}

// SetConferencingURL fills the URL only when the meeting has none yet, so the
// artifact is created at most once.
func (r *repo) SetConferencingURL(ctx context.Context, db *gorm.DB, id snowflake.ID, url string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE meetings
		 SET conferencing_url = ?, updated_at = ?
		 WHERE id = ? AND (conferencing_url IS NULL OR conferencing_url = '')`,
		url,
		updatedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
