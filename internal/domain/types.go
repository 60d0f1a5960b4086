package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DigestKind identifies a recurring digest and its eligibility table.
type DigestKind string

const (
	DigestMonthly DigestKind = "monthly"
	DigestWeekly  DigestKind = "weekly"
	DigestYearly  DigestKind = "yearly"
)

var DigestKinds = []DigestKind{DigestMonthly, DigestWeekly, DigestYearly}

func (k DigestKind) Valid() bool {
	switch k {
	case DigestMonthly, DigestWeekly, DigestYearly:
		return true
	}
	return false
}

// PeriodKey names the digest period that t falls into, e.g. "2026-10",
// "2026-W42" or "2026". Rows seeded for the same user and period collide.
func (k DigestKind) PeriodKey(t time.Time) string {
	switch k {
	case DigestWeekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case DigestYearly:
		return fmt.Sprintf("%04d", t.Year())
	default:
		return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
	}
}

type User struct {
	ID       uuid.UUID
	Email    string
	Username string
}

// EligibilityRow is one entry of a digest eligibility table.
type EligibilityRow struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Period      *string
	Processed   bool
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// PendingRecap is an unprocessed eligibility row joined to its user.
type PendingRecap struct {
	Row  EligibilityRow
	User User
}
