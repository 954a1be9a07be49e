package repository

import (
	"context"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jmoiron/sqlx"
)

// InvoiceLedger is the Postgres backed invoice ledger.
type InvoiceLedger struct {
	db *sqlx.DB
}

const invoiceColumns = `id, schedule_id, member_id, period_start, period_end, amount, currency, due_date,
	status, idempotency_key, paid_at, payment_ref, created_at`

// CreateInvoice inserts the invoice unless its idempotency key exists, in
// which case the stored invoice is returned unchanged.
func (l *InvoiceLedger) CreateInvoice(ctx context.Context, req models.CreateInvoiceRequest) (*models.Invoice, error) {
	inv := &models.Invoice{}
	err := l.db.GetContext(ctx, inv, `
		WITH ins AS (
			INSERT INTO dues.invoices (id, schedule_id, member_id, period_start, period_end, amount, currency,
				due_date, status, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'unpaid', $9)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING `+invoiceColumns+`
		)
		SELECT `+invoiceColumns+` FROM ins
		UNION ALL
		SELECT `+invoiceColumns+` FROM dues.invoices WHERE idempotency_key = $9
		LIMIT 1`,
		models.NewID("inv"), req.ScheduleID, req.MemberID, req.Period.Start, req.Period.End,
		req.Period.Amount, req.Currency, req.DueDate, req.IdempotencyKey)
	if err != nil {
		return nil, dbError(err, "failed to create invoice")
	}
	return inv, nil
}

func (l *InvoiceLedger) FindByPeriod(ctx context.Context, scheduleID string, periodStart time.Time) (*models.Invoice, error) {
	inv := &models.Invoice{}
	err := l.db.GetContext(ctx, inv,
		`SELECT `+invoiceColumns+` FROM dues.invoices WHERE schedule_id = $1 AND period_start = $2`,
		scheduleID, periodStart)
	if err != nil {
		return nil, notFound(err, "invoice")
	}
	return inv, nil
}

func (l *InvoiceLedger) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	inv := &models.Invoice{}
	if err := l.db.GetContext(ctx, inv, `SELECT `+invoiceColumns+` FROM dues.invoices WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "invoice")
	}
	return inv, nil
}

func (l *InvoiceLedger) GetUnpaidInvoices(ctx context.Context, memberID string) ([]*models.Invoice, error) {
	var out []*models.Invoice
	err := l.db.SelectContext(ctx, &out, `
		SELECT `+invoiceColumns+` FROM dues.invoices
		WHERE member_id = $1 AND status = 'unpaid'
		ORDER BY due_date, id`, memberID)
	if err != nil {
		return nil, dbError(err, "failed to list unpaid invoices")
	}
	return out, nil
}

func (l *InvoiceLedger) ListCollectable(ctx context.Context, dueBy time.Time) ([]*models.Invoice, error) {
	var out []*models.Invoice
	err := l.db.SelectContext(ctx, &out, `
		SELECT `+invoiceColumns+` FROM dues.invoices
		WHERE status = 'unpaid' AND due_date <= $1
		ORDER BY due_date, id`, dueBy)
	if err != nil {
		return nil, dbError(err, "failed to list collectable invoices")
	}
	return out, nil
}

func (l *InvoiceLedger) RecordPayment(ctx context.Context, invoiceID string, paidAt time.Time, reference string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE dues.invoices SET status = 'paid', paid_at = $2, payment_ref = $3
		WHERE id = $1 AND status = 'unpaid'`, invoiceID, paidAt, reference)
	if err != nil {
		return dbError(err, "failed to record payment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("invoice %s is not unpaid", invoiceID).Mark(ierr.ErrInvalidTransition)
	}
	return nil
}
