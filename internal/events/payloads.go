package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceCreated struct {
	InvoiceID   string          `json:"invoice_id"`
	ScheduleID  string          `json:"schedule_id"`
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Prorated    bool            `json:"prorated"`
}

type MemberStatusChanged struct {
	MemberID    string    `json:"member_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	DaysOverdue int       `json:"days_overdue"`
	EvaluatedOn time.Time `json:"evaluated_on"`
}

type BatchTransition struct {
	BatchID   string    `json:"batch_id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type LineReturned struct {
	BatchID    string          `json:"batch_id"`
	LineID     string          `json:"line_id"`
	InvoiceID  string          `json:"invoice_id"`
	MemberID   string          `json:"member_id"`
	MandateID  string          `json:"mandate_id"`
	Amount     decimal.Decimal `json:"amount"`
	ReturnCode string          `json:"return_code"`
	Reason     string          `json:"reason"`
}
