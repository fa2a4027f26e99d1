package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// MetadataVersion is the checkout metadata contract version this engine
// understands. Checkout and this engine deploy independently; the version key
// is how a mismatch is detected instead of silently misread.
const MetadataVersion = "1"

// CheckoutMetadata is the typed view of the key-value metadata attached to a
// checkout session. It is the wire contract between the booking frontend and
// this engine and crosses a trust boundary, so every field is validated here.
type CheckoutMetadata struct {
	Version string

	MeetingID    snowflake.ID
	ExpertID     snowflake.ID
	GuestEmail   string
	GuestName    string
	SessionStart time.Time
	DurationMin  int

	TransferAccountID   string
	TransferCountry     string
	ScheduledTransferAt time.Time

	Amount      int64
	PlatformFee int64
	PayExpertID snowflake.ID
}

// FieldError names one invalid or missing metadata field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("metadata field %s: %s", e.Field, e.Reason)
}

// MetadataError aggregates all field failures from one parse, so a single log
// line can name everything that was wrong with the payload.
type MetadataError struct {
	Fields []FieldError
}

func (e *MetadataError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Field
	}
	return "invalid checkout metadata: " + strings.Join(names, ", ")
}

// ParseCheckoutMetadata validates the raw metadata map into the typed
// contract. All failures are collected, not just the first.
func ParseCheckoutMetadata(raw map[string]string) (*CheckoutMetadata, error) {
	p := &metadataParser{raw: raw}

	md := &CheckoutMetadata{
		Version:           p.str("v"),
		GuestEmail:        p.str("meeting_guest"),
		GuestName:         p.str("meeting_guest_name"),
		TransferAccountID: p.str("transfer_account"),
		TransferCountry:   p.str("transfer_country"),
	}
	md.MeetingID = p.id("meeting_id")
	md.ExpertID = p.id("meeting_expert")
	md.SessionStart = p.timeRFC3339("meeting_start")
	md.DurationMin = p.posInt("meeting_dur")
	md.ScheduledTransferAt = p.timeRFC3339("transfer_scheduled")
	md.Amount = p.posInt64("pay_amount")
	md.PlatformFee = p.nonNegInt64("pay_fee")
	md.PayExpertID = p.id("pay_expert")

	if md.Version != "" && md.Version != MetadataVersion {
		p.fail("v", "unsupported version "+md.Version)
	}
	if !md.SessionStart.IsZero() && !md.ScheduledTransferAt.IsZero() && md.ScheduledTransferAt.Before(md.SessionStart) {
		p.fail("transfer_scheduled", "before session start")
	}

	if len(p.errs) > 0 {
		return nil, &MetadataError{Fields: p.errs}
	}
	return md, nil
}

type metadataParser struct {
	raw  map[string]string
	errs []FieldError
}

func (p *metadataParser) fail(field, reason string) {
	p.errs = append(p.errs, FieldError{Field: field, Reason: reason})
}

func (p *metadataParser) str(field string) string {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
	}
	return v
}

func (p *metadataParser) id(field string) snowflake.ID {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
		return 0
	}
	id, err := snowflake.ParseString(v)
	if err != nil {
		p.fail(field, "not a valid id")
		return 0
	}
	return id
}

func (p *metadataParser) timeRFC3339(field string) time.Time {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(field, "not RFC3339")
		return time.Time{}
	}
	return t.UTC()
}

func (p *metadataParser) posInt(field string) int {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(field, "not a positive integer")
		return 0
	}
	return n
}

func (p *metadataParser) posInt64(field string) int64 {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		p.fail(field, "not a positive integer")
		return 0
	}
	return n
}

func (p *metadataParser) nonNegInt64(field string) int64 {
	v := strings.TrimSpace(p.raw[field])
	if v == "" {
		p.fail(field, "missing")
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		p.fail(field, "not a non-negative integer")
		return 0
	}
	return n
}
