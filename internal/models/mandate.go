package models

import "time"

type MandateStatus string

const (
	MandateDraft     MandateStatus = "draft"
	MandateActive    MandateStatus = "active"
	MandateSuspended MandateStatus = "suspended"
	MandateCancelled MandateStatus = "cancelled"
)

// Mandate is a payer's standing authorisation to debit their account.
type Mandate struct {
	ID               string        `json:"id" db:"id"`
	MemberID         string        `json:"member_id" db:"member_id"`
	Reference        string        `json:"reference" db:"reference"`
	IBAN             string        `json:"-" db:"-"`
	BIC              string        `json:"bic" db:"bic"`
	AccountHolder    string        `json:"account_holder" db:"account_holder"`
	Status           MandateStatus `json:"status" db:"status"`
	SignedAt         time.Time     `json:"signed_at" db:"signed_at"`
	FirstCollectedAt *time.Time    `json:"first_collected_at,omitempty" db:"first_collected_at"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// SequenceType is FRST until the mandate has been collected once.
func (m *Mandate) SequenceType() SequenceType {
	if m.FirstCollectedAt == nil {
		return SequenceFirst
	}
	return SequenceRecurring
}
