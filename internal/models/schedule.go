package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillingFrequency string

const (
	FrequencyMonthly   BillingFrequency = "monthly"
	FrequencyQuarterly BillingFrequency = "quarterly"
	FrequencyAnnual    BillingFrequency = "annual"
	FrequencyCustom    BillingFrequency = "custom"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// DuesSchedule is a member's recurring billing calendar.
type DuesSchedule struct {
	ID              string           `json:"id" db:"id"`
	MemberID        string           `json:"member_id" db:"member_id"`
	Frequency       BillingFrequency `json:"frequency" db:"frequency"`
	IntervalMonths  int              `json:"interval_months" db:"interval_months"` // custom frequency only
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	Currency        string           `json:"currency" db:"currency"`
	NextInvoiceDate time.Time        `json:"next_invoice_date" db:"next_invoice_date"`
	LastInvoiceDate *time.Time       `json:"last_invoice_date,omitempty" db:"last_invoice_date"`
	GracePeriodDays int              `json:"grace_period_days" db:"grace_period_days"`
	Status          ScheduleStatus   `json:"status" db:"status"`
	IsPrimary       bool             `json:"is_primary" db:"is_primary"`
	AnchorDay       int              `json:"anchor_day" db:"anchor_day"` // billing day of month, 0 = day of NextInvoiceDate
	Version         int64            `json:"version" db:"version"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// IsFirstInvoice reports whether the schedule has never produced an invoice.
func (s *DuesSchedule) IsFirstInvoice() bool {
	return s.LastInvoiceDate == nil
}

// BillingPeriod is the half-open interval [Start, End) covered by one invoice.
type BillingPeriod struct {
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Amount     decimal.Decimal `json:"amount"`
	Prorated   bool            `json:"prorated"`
	FullDays   int             `json:"full_days"`
	BilledDays int             `json:"billed_days"`
}
