package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Meeting is owned by the booking system. This engine only reads it and
// mirrors payment status onto it (plus the conferencing URL on first payment
// success).
type Meeting struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	ExpertID        snowflake.ID `json:"expert_id" gorm:"not null;index"`
	EventID         snowflake.ID `json:"event_id" gorm:"not null"`
	GuestEmail      string       `json:"guest_email" gorm:"type:text;not null"`
	GuestName       string       `json:"guest_name" gorm:"type:text;not null"`
	StartTime       time.Time    `json:"start_time" gorm:"not null"`
	PaymentStatus   string       `json:"payment_status" gorm:"type:text;not null"`
	ConferencingURL string       `json:"conferencing_url" gorm:"type:text"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null"`
}

func (Meeting) TableName() string { return "meetings" }

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Event is a bookable appointment type. Read-only here.
type Event struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	ExpertID        snowflake.ID `json:"expert_id" gorm:"not null;index"`
	Title           string       `json:"title" gorm:"type:text;not null"`
	DurationMinutes int          `json:"duration_minutes" gorm:"not null"`
}

func (Event) TableName() string { return "events" }

// ExpertPolicy holds per-expert booking policy. Read-only here.
type ExpertPolicy struct {
	ExpertID             snowflake.ID `json:"expert_id" gorm:"primaryKey"`
	MinimumNoticeMinutes int          `json:"minimum_notice_minutes" gorm:"not null"`
}

func (ExpertPolicy) TableName() string { return "expert_policies" }

// DefaultMinimumNoticeMinutes applies when an expert has no stored policy.
const DefaultMinimumNoticeMinutes = 1440

type Repository interface {
	FindMeeting(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Meeting, error)
	ListSucceededMeetings(ctx context.Context, db *gorm.DB, expertID snowflake.ID, excludeMeetingID snowflake.ID) ([]Meeting, error)
	FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	MinimumNoticeMinutes(ctx context.Context, db *gorm.DB, expertID snowflake.ID) (int, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, updatedAt time.Time) error
	SetConferencingURL(ctx context.Context, db *gorm.DB, id snowflake.ID, url string, updatedAt time.Time) (bool, error)
}
