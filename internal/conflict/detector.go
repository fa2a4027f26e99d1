package conflict

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	bookingdomain "github.com/smallbiznis/expertpay/internal/booking/domain"
	"github.com/smallbiznis/expertpay/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DecisionNoConflict    = "no_conflict"
	DecisionConflict      = "conflict"
	DecisionIndeterminate = "indeterminate"
)

const (
	ReasonEventNotFound          = "event_not_found"
	ReasonTimeRangeOverlap       = "time_range_overlap"
	ReasonMinimumNoticeViolation = "minimum_notice_violation"
)

// Outcome is the detector's verdict for one proposed booking.
type Outcome struct {
	Decision           string
	Reason             string
	MinimumNoticeHours int
}

// Blocking reports whether the booking must be refunded. Indeterminate is
// deliberately non-blocking: the detector fails open so a lookup error never
// turns a paid booking away.
func (o Outcome) Blocking() bool {
	return o.Decision == DecisionConflict
}

type Detector struct {
	db       *gorm.DB
	bookings bookingdomain.Repository
	clk      clock.Clock
	logger   *zap.Logger
}

func NewDetector(db *gorm.DB, bookings bookingdomain.Repository, clk clock.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		db:       db,
		bookings: bookings,
		clk:      clk,
		logger:   logger.Named("conflict"),
	}
}

// Check runs the full conflict scan for a booking whose payment settled after
// the slot was only tentatively held. Invoked for delayed-settlement payment
// methods only.
func (d *Detector) Check(ctx context.Context, expertID, meetingID, eventID snowflake.ID, proposedStart time.Time) Outcome {
	event, err := d.bookings.FindEvent(ctx, d.db, eventID)
	if err != nil {
		return d.indeterminate(err, "event lookup failed")
	}
	if event == nil {
		return Outcome{Decision: DecisionConflict, Reason: ReasonEventNotFound}
	}

	proposedEnd := proposedStart.Add(time.Duration(event.DurationMinutes) * time.Minute)

	others, err := d.bookings.ListSucceededMeetings(ctx, d.db, expertID, meetingID)
	if err != nil {
		return d.indeterminate(err, "meeting scan failed")
	}

	durations := map[snowflake.ID]int{event.ID: event.DurationMinutes}
	for _, other := range others {
		minutes, ok := durations[other.EventID]
		if !ok {
			otherEvent, err := d.bookings.FindEvent(ctx, d.db, other.EventID)
			if err != nil {
				return d.indeterminate(err, "event lookup failed")
			}
			if otherEvent == nil {
				// A paid meeting pointing at a deleted event cannot block
				// anything; it has no defined end.
				continue
			}
			minutes = otherEvent.DurationMinutes
			durations[other.EventID] = minutes
		}

		otherEnd := other.StartTime.Add(time.Duration(minutes) * time.Minute)
		// Half-open intervals: bookings that merely touch do not overlap.
		if proposedStart.Before(otherEnd) && other.StartTime.Before(proposedEnd) {
			return Outcome{Decision: DecisionConflict, Reason: ReasonTimeRangeOverlap}
		}
	}

	required, err := d.bookings.MinimumNoticeMinutes(ctx, d.db, expertID)
	if err != nil {
		return d.indeterminate(err, "policy lookup failed")
	}
	if proposedStart.Sub(d.clk.Now()) < time.Duration(required)*time.Minute {
		return Outcome{
			Decision:           DecisionConflict,
			Reason:             ReasonMinimumNoticeViolation,
			MinimumNoticeHours: (required + 59) / 60,
		}
	}

	return Outcome{Decision: DecisionNoConflict}
}

func (d *Detector) indeterminate(err error, msg string) Outcome {
	d.logger.Warn("conflict check indeterminate", zap.String("cause", msg), zap.Error(err))
	return Outcome{Decision: DecisionIndeterminate}
}

var Module = fx.Module("conflict",
	fx.Provide(NewDetector),
)
