package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceUnpaid    InvoiceStatus = "unpaid"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// Invoice is owned by the invoice ledger; the dues engine only references it.
type Invoice struct {
	ID             string          `json:"id" db:"id"`
	ScheduleID     string          `json:"schedule_id" db:"schedule_id"`
	MemberID       string          `json:"member_id" db:"member_id"`
	PeriodStart    time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time       `json:"period_end" db:"period_end"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	DueDate        time.Time       `json:"due_date" db:"due_date"`
	Status         InvoiceStatus   `json:"status" db:"status"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	PaidAt         *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
	PaymentRef     *string         `json:"payment_ref,omitempty" db:"payment_ref"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// InvoiceIdempotencyKey identifies the single invoice allowed per schedule period.
func InvoiceIdempotencyKey(scheduleID string, periodStart time.Time) string {
	return scheduleID + ":" + periodStart.UTC().Format("2006-01-02")
}

// CreateInvoiceRequest is what the dues engine hands to the ledger.
type CreateInvoiceRequest struct {
	ScheduleID     string
	MemberID       string
	Period         BillingPeriod
	Currency       string
	DueDate        time.Time
	IdempotencyKey string
}

// Installment is one part of a payment plan split.
type Installment struct {
	Sequence int             `json:"sequence"`
	DueDate  time.Time       `json:"due_date"`
	Amount   decimal.Decimal `json:"amount"`
}
