package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateMandateRequest struct {
	MemberID      string    `json:"member_id" validate:"required"`
	Reference     string    `json:"reference" validate:"required,max=35"`
	IBAN          string    `json:"iban" validate:"required"`
	BIC           string    `json:"bic"`
	AccountHolder string    `json:"account_holder" validate:"required,max=70"`
	SignedAt      time.Time `json:"signed_at" validate:"required"`
	Activate      bool      `json:"activate"`
}

type CreateScheduleRequest struct {
	MemberID        string           `json:"member_id" validate:"required"`
	Frequency       BillingFrequency `json:"frequency" validate:"required,oneof=monthly quarterly annual custom"`
	IntervalMonths  int              `json:"interval_months" validate:"gte=0"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency" validate:"omitempty,len=3"`
	StartDate       time.Time        `json:"start_date" validate:"required"`
	AnchorDay       int              `json:"anchor_day" validate:"gte=0,lte=31"`
	GracePeriodDays int              `json:"grace_period_days" validate:"gte=0"`
	IsPrimary       bool             `json:"is_primary"`
}

type SetMemberPolicyRequest struct {
	GraceTier        GraceTier  `json:"grace_tier" validate:"required,oneof=standard extended hardship"`
	PaymentPlanUntil *time.Time `json:"payment_plan_until"`
}

type InstallmentPreviewRequest struct {
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count" validate:"required,gte=1,lte=24"`
	FirstDue time.Time       `json:"first_due" validate:"required"`
	Currency string          `json:"currency" validate:"omitempty,len=3"`
}

type ExcludeLinesRequest struct {
	LineIDs []string `json:"line_ids" validate:"required,min=1,dive,required"`
	Reason  string   `json:"reason" validate:"required,max=200"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}
