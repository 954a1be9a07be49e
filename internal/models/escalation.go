package models

import "time"

type EscalationKind string

const (
	EscalationInvoiceGeneration EscalationKind = "invoice_generation"
	EscalationBatchGeneration   EscalationKind = "batch_generation"
	EscalationBankSubmission    EscalationKind = "bank_submission"
	EscalationReconciliation    EscalationKind = "reconciliation"
)

// Escalation is an item on the operator queue: something the pipeline could
// not resolve on its own.
type Escalation struct {
	ID         string         `json:"id" db:"id"`
	Kind       EscalationKind `json:"kind" db:"kind"`
	Ref        string         `json:"ref" db:"ref"`
	Message    string         `json:"message" db:"message"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// AuditEntry is an append-only record written by pipeline components.
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	Ref       string    `json:"ref" db:"ref"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
