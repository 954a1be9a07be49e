package repository

import (
	"context"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jmoiron/sqlx"
)

type EscalationRepository struct {
	db *sqlx.DB
}

func (r *EscalationRepository) Create(ctx context.Context, e *models.Escalation) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO dues.escalations (id, kind, ref, message) VALUES ($1, $2, $3, $4)
		RETURNING created_at`, e.ID, e.Kind, e.Ref, e.Message).Scan(&e.CreatedAt)
	if err != nil {
		return dbError(err, "failed to create escalation")
	}
	return nil
}

func (r *EscalationRepository) ListOpen(ctx context.Context) ([]*models.Escalation, error) {
	var out []*models.Escalation
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, kind, ref, message, created_at, resolved_at
		FROM dues.escalations WHERE resolved_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, dbError(err, "failed to list escalations")
	}
	return out, nil
}

func (r *EscalationRepository) Resolve(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE dues.escalations SET resolved_at = $2 WHERE id = $1 AND resolved_at IS NULL`, id, at)
	if err != nil {
		return dbError(err, "failed to resolve escalation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewErrorf("escalation %s not found or already resolved", id).Mark(ierr.ErrNotFound)
	}
	return nil
}

// AuditRepository only ever inserts.
type AuditRepository struct {
	db *sqlx.DB
}

func (r *AuditRepository) Append(ctx context.Context, e *models.AuditEntry) error {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO dues.audit_log (id, ref, actor, action, detail) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, e.ID, e.Ref, e.Actor, e.Action, e.Detail).Scan(&e.CreatedAt)
	if err != nil {
		return dbError(err, "failed to append audit entry")
	}
	return nil
}

func (r *AuditRepository) List(ctx context.Context, ref string) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, ref, actor, action, detail, created_at
		FROM dues.audit_log WHERE ref = $1 ORDER BY created_at, id`, ref)
	if err != nil {
		return nil, dbError(err, "failed to list audit entries")
	}
	return out, nil
}
