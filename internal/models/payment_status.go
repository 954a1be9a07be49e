package models

import "time"

// PaymentStatus is derived from the age of a member's oldest unpaid invoice.
// It is never stored as a source of truth.
type PaymentStatus string

const (
	StatusCurrent          PaymentStatus = "current"
	StatusLate             PaymentStatus = "late"
	StatusOverdue          PaymentStatus = "overdue"
	StatusSeriouslyOverdue PaymentStatus = "seriously_overdue"
	StatusSuspended        PaymentStatus = "suspended"
)

var statusRank = map[PaymentStatus]int{
	StatusCurrent:          0,
	StatusLate:             1,
	StatusOverdue:          2,
	StatusSeriouslyOverdue: 3,
	StatusSuspended:        4,
}

// Rank orders statuses by severity, Current being 0.
func (s PaymentStatus) Rank() int {
	return statusRank[s]
}

type GraceTier string

const (
	GraceStandard GraceTier = "standard"
	GraceExtended GraceTier = "extended"
	GraceHardship GraceTier = "hardship"
)

// MemberStatus is the evaluated payment status of one member.
type MemberStatus struct {
	MemberID     string        `json:"member_id"`
	Status       PaymentStatus `json:"status"`
	DaysOverdue  int           `json:"days_overdue"`
	OldestDue    *time.Time    `json:"oldest_due,omitempty"`
	GraceDays    int           `json:"grace_days"`
	PaymentPlan  bool          `json:"payment_plan"`
	EvaluatedFor time.Time     `json:"evaluated_for"`
}

// MemberPolicy is the locally recorded collection policy of a member.
type MemberPolicy struct {
	MemberID         string     `json:"member_id" db:"member_id"`
	GraceTier        GraceTier  `json:"grace_tier" db:"grace_tier"`
	PaymentPlanUntil *time.Time `json:"payment_plan_until,omitempty" db:"payment_plan_until"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}
