package repository

import (
	"context"
	"database/sql/driver"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

type BatchRepository struct {
	db *sqlx.DB
}

const batchColumns = `id, message_id, collection_date, status, currency, total_amount, total_transactions,
	file_ref, submit_attempts, next_submit_at, last_error, created_at, updated_at`

const lineColumns = `id, batch_id, invoice_id, mandate_id, member_id, amount, sequence_type, end_to_end_id,
	status, reason_code, reason, created_at`

// LockCollectionDate takes a session advisory lock on a reserved connection.
// The lock and the connection are released together.
func (r *BatchRepository) LockCollectionDate(ctx context.Context, date time.Time) (func(), error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, dbError(err, "failed to reserve connection")
	}
	key := "batch-assembly:" + date.Format("2006-01-02")
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, dbError(err, "failed to lock collection date")
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

func (r *BatchRepository) CreateDraft(ctx context.Context, b *models.Batch) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		batched, err := batchedInvoices(ctx, tx, lo.Map(b.Lines, func(l *models.BatchLine, _ int) string { return l.InvoiceID }))
		if err != nil {
			return err
		}
		if len(batched) > 0 {
			return ierr.NewErrorf("%d invoices are already in an open batch", len(batched)).
				WithReportableDetails(map[string]any{"batches": batched}).
				Mark(ierr.ErrAlreadyExists)
		}

		err = tx.QueryRowxContext(ctx, `
			INSERT INTO dues.batches (id, message_id, collection_date, status, currency, total_amount, total_transactions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at`,
			b.ID, b.MessageID, b.CollectionDate, b.Status, b.Currency, b.TotalAmount, b.TotalTransactions,
		).Scan(&b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return dbError(err, "failed to create batch")
		}

		for _, l := range b.Lines {
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO dues.batch_lines (id, batch_id, invoice_id, mandate_id, member_id, amount,
					sequence_type, end_to_end_id, status, reason_code, reason)
				VALUES (:id, :batch_id, :invoice_id, :mandate_id, :member_id, :amount,
					:sequence_type, :end_to_end_id, :status, :reason_code, :reason)`, l)
			if err != nil {
				return dbError(err, "failed to create batch line")
			}
		}
		return nil
	})
}

func (r *BatchRepository) Get(ctx context.Context, id string) (*models.Batch, error) {
	b := &models.Batch{}
	if err := r.db.GetContext(ctx, b, `SELECT `+batchColumns+` FROM dues.batches WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "batch")
	}
	return b, r.loadLines(ctx, b)
}

func (r *BatchRepository) GetByMessageID(ctx context.Context, messageID string) (*models.Batch, error) {
	b := &models.Batch{}
	if err := r.db.GetContext(ctx, b, `SELECT `+batchColumns+` FROM dues.batches WHERE message_id = $1`, messageID); err != nil {
		return nil, notFound(err, "batch")
	}
	return b, r.loadLines(ctx, b)
}

func (r *BatchRepository) List(ctx context.Context, status models.BatchStatus) ([]*models.Batch, error) {
	var out []*models.Batch
	query := `SELECT ` + batchColumns + ` FROM dues.batches`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY collection_date DESC, created_at DESC`
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, dbError(err, "failed to list batches")
	}
	return out, nil
}

func (r *BatchRepository) loadLines(ctx context.Context, b *models.Batch) error {
	err := r.db.SelectContext(ctx, &b.Lines,
		`SELECT `+lineColumns+` FROM dues.batch_lines WHERE batch_id = $1 ORDER BY created_at, id`, b.ID)
	if err != nil {
		return dbError(err, "failed to load batch lines")
	}
	return nil
}

func (r *BatchRepository) OpenClaims(ctx context.Context, mandateIDs []string) (map[string]string, error) {
	rows := []struct {
		MandateID string `db:"mandate_id"`
		BatchID   string `db:"batch_id"`
	}{}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT mandate_id, batch_id FROM dues.mandate_claims WHERE mandate_id = ANY($1)`, pq.Array(mandateIDs))
	if err != nil {
		return nil, dbError(err, "failed to read mandate claims")
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.MandateID] = row.BatchID
	}
	return out, nil
}

func (r *BatchRepository) BatchedInvoices(ctx context.Context, invoiceIDs []string) (map[string]string, error) {
	return batchedInvoices(ctx, r.db, invoiceIDs)
}

func batchedInvoices(ctx context.Context, q sqlx.QueryerContext, invoiceIDs []string) (map[string]string, error) {
	rows := []struct {
		InvoiceID string `db:"invoice_id"`
		BatchID   string `db:"batch_id"`
	}{}
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT l.invoice_id, l.batch_id
		FROM dues.batch_lines l
		JOIN dues.batches b ON b.id = l.batch_id
		WHERE l.invoice_id = ANY($1) AND l.status <> 'rejected' AND b.status <> 'failed'`,
		pq.Array(invoiceIDs))
	if err != nil {
		return nil, dbError(err, "failed to read batched invoices")
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.InvoiceID] = row.BatchID
	}
	return out, nil
}

func (r *BatchRepository) UpdateDraftLines(ctx context.Context, b *models.Batch) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := casStatus(ctx, tx, b.ID, models.BatchDraft, models.BatchDraft,
			`total_amount = $4, total_transactions = $5`, b.TotalAmount, b.TotalTransactions); err != nil {
			return err
		}
		return updateLines(ctx, tx, b.Lines)
	})
}

func (r *BatchRepository) MarkGenerated(ctx context.Context, b *models.Batch, fileRef string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		conflicts := map[string]string{}
		for _, l := range b.AcceptedLines() {
			var holder string
			err := tx.QueryRowxContext(ctx, `
				INSERT INTO dues.mandate_claims (mandate_id, batch_id) VALUES ($1, $2)
				ON CONFLICT (mandate_id) DO UPDATE SET mandate_id = EXCLUDED.mandate_id
				RETURNING batch_id`, l.MandateID, b.ID).Scan(&holder)
			if err != nil {
				return dbError(err, "failed to claim mandate")
			}
			if holder != b.ID {
				conflicts[l.MandateID] = holder
			}
		}
		if len(conflicts) > 0 {
			return &ClaimConflictError{MandateIDs: conflicts}
		}

		if err := casStatus(ctx, tx, b.ID, models.BatchDraft, models.BatchGenerated,
			`file_ref = $4, total_amount = $5, total_transactions = $6, next_submit_at = CURRENT_TIMESTAMP`,
			fileRef, b.TotalAmount, b.TotalTransactions); err != nil {
			return err
		}
		return updateLines(ctx, tx, b.Lines)
	})
}

func (r *BatchRepository) MarkSubmitted(ctx context.Context, id string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return casStatus(ctx, tx, id, models.BatchGenerated, models.BatchSubmitted,
			`next_submit_at = NULL, last_error = NULL, submit_attempts = submit_attempts + 1`)
	})
}

func (r *BatchRepository) ScheduleRetry(ctx context.Context, id string, attempts int, next *time.Time, lastErr string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		return casStatus(ctx, tx, id, models.BatchGenerated, models.BatchGenerated,
			`submit_attempts = $4, next_submit_at = $5, last_error = $6`, attempts, next, lastErr)
	})
}

func (r *BatchRepository) ListSubmittable(ctx context.Context, now time.Time, maxAttempts int) ([]*models.Batch, error) {
	var out []*models.Batch
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+batchColumns+` FROM dues.batches
		WHERE status = 'generated' AND next_submit_at IS NOT NULL AND next_submit_at <= $1 AND submit_attempts < $2
		ORDER BY collection_date, id`, now, maxAttempts)
	if err != nil {
		return nil, dbError(err, "failed to list submittable batches")
	}
	return out, nil
}

func (r *BatchRepository) Finalize(ctx context.Context, b *models.Batch, status models.BatchStatus, reason string) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var lastErr *string
		if reason != "" {
			lastErr = &reason
		}
		if err := casStatus(ctx, tx, b.ID, models.BatchSubmitted, status, `last_error = $4`, lastErr); err != nil {
			return err
		}
		if err := updateLines(ctx, tx, b.Lines); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dues.mandate_claims WHERE batch_id = $1`, b.ID); err != nil {
			return dbError(err, "failed to release mandate claims")
		}
		return nil
	})
}

// casStatus moves a batch from one status to another, failing with
// ErrInvalidTransition when the batch is no longer in the expected status.
// Extra SET clauses use placeholders from $4 on.
func casStatus(ctx context.Context, tx *sqlx.Tx, id string, from, to models.BatchStatus, set string, args ...any) error {
	query := `UPDATE dues.batches SET status = $3, updated_at = CURRENT_TIMESTAMP`
	if set != "" {
		query += `, ` + set
	}
	query += ` WHERE id = $1 AND status = $2`

	res, err := tx.ExecContext(ctx, query, append([]any{id, from, to}, args...)...)
	if err != nil {
		return dbError(err, "failed to update batch status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("batch %s is not %s", id, from).Mark(ierr.ErrInvalidTransition)
	}
	return nil
}

func updateLines(ctx context.Context, tx *sqlx.Tx, lines []*models.BatchLine) error {
	for _, l := range lines {
		_, err := tx.NamedExecContext(ctx, `
			UPDATE dues.batch_lines
			SET status = :status, reason_code = :reason_code, reason = :reason, sequence_type = :sequence_type
			WHERE id = :id`, l)
		if err != nil {
			return dbError(err, "failed to update batch line")
		}
	}
	return nil
}
