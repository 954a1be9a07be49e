package repository

import (
	"context"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jmoiron/sqlx"
)

type ScheduleRepository struct {
	db *sqlx.DB
}

const scheduleColumns = `id, member_id, frequency, interval_months, amount, currency, next_invoice_date,
	last_invoice_date, grace_period_days, status, is_primary, anchor_day, version, created_at, updated_at`

// Create inserts a schedule. A second non-cancelled primary schedule for the
// same member violates a partial unique index.
func (r *ScheduleRepository) Create(ctx context.Context, s *models.DuesSchedule) error {
	query := `
		INSERT INTO dues.schedules (id, member_id, frequency, interval_months, amount, currency,
			next_invoice_date, last_invoice_date, grace_period_days, status, is_primary, anchor_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING version, created_at, updated_at`
	err := r.db.QueryRowxContext(ctx, query,
		s.ID, s.MemberID, s.Frequency, s.IntervalMonths, s.Amount, s.Currency,
		s.NextInvoiceDate, s.LastInvoiceDate, s.GracePeriodDays, s.Status, s.IsPrimary, s.AnchorDay,
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return ierr.NewError("member already has a primary schedule").
			WithHint("Cancel the existing primary schedule first").
			Mark(ierr.ErrBusinessRule)
	}
	if err != nil {
		return dbError(err, "failed to create schedule")
	}
	return nil
}

func (r *ScheduleRepository) Get(ctx context.Context, id string) (*models.DuesSchedule, error) {
	s := &models.DuesSchedule{}
	err := r.db.GetContext(ctx, s, `SELECT `+scheduleColumns+` FROM dues.schedules WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "schedule")
	}
	return s, nil
}

func (r *ScheduleRepository) ListForMember(ctx context.Context, memberID string) ([]*models.DuesSchedule, error) {
	var out []*models.DuesSchedule
	err := r.db.SelectContext(ctx, &out,
		`SELECT `+scheduleColumns+` FROM dues.schedules WHERE member_id = $1 ORDER BY created_at`, memberID)
	if err != nil {
		return nil, dbError(err, "failed to list schedules")
	}
	return out, nil
}

func (r *ScheduleRepository) ListDue(ctx context.Context, asOf time.Time) ([]*models.DuesSchedule, error) {
	var out []*models.DuesSchedule
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+scheduleColumns+`
		FROM dues.schedules
		WHERE status = 'active' AND next_invoice_date <= $1
		ORDER BY next_invoice_date, id`, asOf)
	if err != nil {
		return nil, dbError(err, "failed to list due schedules")
	}
	return out, nil
}

// Advance is an optimistic compare-and-set on version.
func (r *ScheduleRepository) Advance(ctx context.Context, id string, version int64, last, next time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dues.schedules
		SET last_invoice_date = $3, next_invoice_date = $4, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND version = $2`, id, version, last, next)
	if err != nil {
		return dbError(err, "failed to advance schedule")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err, "failed to advance schedule")
	}
	if n == 0 {
		return ierr.NewErrorf("schedule %s changed concurrently", id).Mark(ierr.ErrVersionConflict)
	}
	return nil
}

func (r *ScheduleRepository) UpdateStatus(ctx context.Context, id string, status models.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dues.schedules SET status = $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, status)
	if err != nil {
		return dbError(err, "failed to update schedule status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewError("schedule not found").Mark(ierr.ErrNotFound)
	}
	return nil
}
