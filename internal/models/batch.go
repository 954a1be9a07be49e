package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchDraft     BatchStatus = "draft"
	BatchGenerated BatchStatus = "generated"
	BatchSubmitted BatchStatus = "submitted"
	BatchProcessed BatchStatus = "processed"
	BatchFailed    BatchStatus = "failed"
)

func (s BatchStatus) IsTerminal() bool {
	return s == BatchProcessed || s == BatchFailed
}

// HoldsMandateClaims reports whether mandates in a batch with this status
// are blocked from any other batch.
func (s BatchStatus) HoldsMandateClaims() bool {
	return s == BatchGenerated || s == BatchSubmitted
}

type SequenceType string

const (
	SequenceFirst     SequenceType = "FRST"
	SequenceRecurring SequenceType = "RCUR"
)

type LineStatus string

const (
	LineAccepted LineStatus = "accepted"
	LineRejected LineStatus = "rejected"
	LineCleared  LineStatus = "cleared"
	LineReturned LineStatus = "returned"
)

// Batch is a dated collection request.
type Batch struct {
	ID                string          `json:"id" db:"id"`
	MessageID         string          `json:"message_id" db:"message_id"`
	CollectionDate    time.Time       `json:"collection_date" db:"collection_date"`
	Status            BatchStatus     `json:"status" db:"status"`
	Currency          string          `json:"currency" db:"currency"`
	TotalAmount       decimal.Decimal `json:"total_amount" db:"total_amount"`
	TotalTransactions int             `json:"total_transactions" db:"total_transactions"`
	FileRef           *string         `json:"file_ref,omitempty" db:"file_ref"`
	SubmitAttempts    int             `json:"submit_attempts" db:"submit_attempts"`
	NextSubmitAt      *time.Time      `json:"next_submit_at,omitempty" db:"next_submit_at"`
	LastError         *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	Lines             []*BatchLine    `json:"lines" db:"-"`
}

// BatchLine is one (mandate, invoice, amount) triple.
type BatchLine struct {
	ID           string          `json:"id" db:"id"`
	BatchID      string          `json:"batch_id" db:"batch_id"`
	InvoiceID    string          `json:"invoice_id" db:"invoice_id"`
	MandateID    string          `json:"mandate_id" db:"mandate_id"`
	MemberID     string          `json:"member_id" db:"member_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	SequenceType SequenceType    `json:"sequence_type" db:"sequence_type"`
	EndToEndID   string          `json:"end_to_end_id" db:"end_to_end_id"`
	Status       LineStatus      `json:"status" db:"status"`
	ReasonCode   *string         `json:"reason_code,omitempty" db:"reason_code"`
	Reason       *string         `json:"reason,omitempty" db:"reason"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AcceptedLines returns the lines that will be collected.
func (b *Batch) AcceptedLines() []*BatchLine {
	out := make([]*BatchLine, 0, len(b.Lines))
	for _, l := range b.Lines {
		if l.Status == LineAccepted {
			out = append(out, l)
		}
	}
	return out
}

// RecomputeTotals derives the totals from the accepted lines. Caller supplied
// totals are never trusted.
func (b *Batch) RecomputeTotals() {
	total := decimal.Zero
	count := 0
	for _, l := range b.Lines {
		if l.Status == LineRejected {
			continue
		}
		total = total.Add(l.Amount)
		count++
	}
	b.TotalAmount = total
	b.TotalTransactions = count
}

// Reject marks the line as excluded with a reason.
func (l *BatchLine) Reject(code, reason string) {
	l.Status = LineRejected
	l.ReasonCode = &code
	l.Reason = &reason
}

// Line rejection codes.
const (
	ReasonNoMandate          = "no_mandate"
	ReasonMandateInactive    = "mandate_inactive"
	ReasonDuplicateMandate   = "duplicate_mandate"
	ReasonMandateInOpenBatch = "mandate_in_open_batch"
	ReasonInvalidBankDetails = "invalid_bank_details"
	ReasonInvalidAmount      = "invalid_amount"
	ReasonNotCollectable     = "invoice_not_collectable"
	ReasonAlreadyBatched     = "invoice_already_batched"
	ReasonCurrencyMismatch   = "currency_mismatch"
	ReasonStaleLine          = "stale_line"
	ReasonExcludedByOperator = "excluded_by_operator"
)

// LineRejection reports why a candidate did not make it into a batch.
type LineRejection struct {
	InvoiceID string `json:"invoice_id"`
	MandateID string `json:"mandate_id,omitempty"`
	MemberID  string `json:"member_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}
