package repository

import (
	"context"
	"database/sql"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jmoiron/sqlx"
)

// PolicyRepository keeps grace tiers and payment plans for members that
// deviate from the standard policy. Members without a row are standard.
type PolicyRepository struct {
	db *sqlx.DB
}

func (r *PolicyRepository) Get(ctx context.Context, memberID string) (*models.MemberPolicy, error) {
	p := &models.MemberPolicy{}
	err := r.db.GetContext(ctx, p, `
		SELECT member_id, grace_tier, payment_plan_until, updated_at
		FROM dues.member_policies WHERE member_id = $1`, memberID)
	if ierr.Is(err, sql.ErrNoRows) {
		return &models.MemberPolicy{MemberID: memberID, GraceTier: models.GraceStandard}, nil
	}
	if err != nil {
		return nil, dbError(err, "failed to load member policy")
	}
	return p, nil
}

func (r *PolicyRepository) Upsert(ctx context.Context, p *models.MemberPolicy) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO dues.member_policies (member_id, grace_tier, payment_plan_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO UPDATE
		SET grace_tier = EXCLUDED.grace_tier, payment_plan_until = EXCLUDED.payment_plan_until,
			updated_at = CURRENT_TIMESTAMP
		RETURNING updated_at`, p.MemberID, p.GraceTier, p.PaymentPlanUntil).Scan(&p.UpdatedAt)
	if err != nil {
		return dbError(err, "failed to save member policy")
	}
	return nil
}

func (r *PolicyRepository) GraceTier(ctx context.Context, memberID string) (models.GraceTier, error) {
	p, err := r.Get(ctx, memberID)
	if err != nil {
		return "", err
	}
	return p.GraceTier, nil
}

func (r *PolicyRepository) HasActivePaymentPlan(ctx context.Context, memberID string) (bool, error) {
	var active bool
	err := r.db.GetContext(ctx, &active, `
		SELECT EXISTS (
			SELECT 1 FROM dues.member_policies
			WHERE member_id = $1 AND payment_plan_until IS NOT NULL AND payment_plan_until >= CURRENT_DATE
		)`, memberID)
	if err != nil {
		return false, dbError(err, "failed to check payment plan")
	}
	return active, nil
}
