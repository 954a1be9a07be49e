package repository

import (
	"context"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/jmoiron/sqlx"
)

// MandateRepository stores IBANs encrypted; the fingerprint column allows
// equality lookups without decrypting.
type MandateRepository struct {
	db     *sqlx.DB
	cipher *utils.FieldCipher
}

type mandateRow struct {
	models.Mandate
	IBANEncrypted   string `db:"iban_encrypted"`
	IBANFingerprint string `db:"iban_fingerprint"`
}

const mandateColumns = `id, member_id, reference, iban_encrypted, iban_fingerprint, bic, account_holder,
	status, signed_at, first_collected_at, created_at, updated_at`

func (r *MandateRepository) Create(ctx context.Context, m *models.Mandate) error {
	encrypted, err := r.cipher.Seal(m.IBAN)
	if err != nil {
		return ierr.Wrap(err, "failed to encrypt IBAN")
	}

	query := `
		INSERT INTO dues.mandates (id, member_id, reference, iban_encrypted, iban_fingerprint, bic,
			account_holder, status, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err = r.db.QueryRowxContext(ctx, query,
		m.ID, m.MemberID, m.Reference, encrypted, r.cipher.Fingerprint(m.IBAN), m.BIC,
		m.AccountHolder, m.Status, m.SignedAt,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if isUniqueViolation(err) {
		return ierr.NewError("mandate reference or active mandate already exists").
			WithHintf("Mandate %s conflicts with an existing mandate", m.Reference).
			Mark(ierr.ErrAlreadyExists)
	}
	if err != nil {
		return dbError(err, "failed to create mandate")
	}
	return nil
}

func (r *MandateRepository) Get(ctx context.Context, id string) (*models.Mandate, error) {
	row := &mandateRow{}
	if err := r.db.GetContext(ctx, row, `SELECT `+mandateColumns+` FROM dues.mandates WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "mandate")
	}
	return r.decode(row)
}

func (r *MandateRepository) GetForMember(ctx context.Context, memberID string) (*models.Mandate, error) {
	row := &mandateRow{}
	err := r.db.GetContext(ctx, row, `
		SELECT `+mandateColumns+`
		FROM dues.mandates
		WHERE member_id = $1
		ORDER BY (status = 'active') DESC, created_at DESC
		LIMIT 1`, memberID)
	if err != nil {
		return nil, notFound(err, "mandate")
	}
	return r.decode(row)
}

func (r *MandateRepository) UpdateStatus(ctx context.Context, id string, status models.MandateStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dues.mandates SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id, status)
	if isUniqueViolation(err) {
		return ierr.NewError("member already has an active mandate").Mark(ierr.ErrBusinessRule)
	}
	if err != nil {
		return dbError(err, "failed to update mandate status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ierr.NewError("mandate not found").Mark(ierr.ErrNotFound)
	}
	return nil
}

// MarkFirstCollected records the first successful collection; later calls
// keep the original timestamp.
func (r *MandateRepository) MarkFirstCollected(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dues.mandates
		SET first_collected_at = COALESCE(first_collected_at, $2), updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, id, at)
	if err != nil {
		return dbError(err, "failed to mark mandate collected")
	}
	return nil
}

func (r *MandateRepository) decode(row *mandateRow) (*models.Mandate, error) {
	iban, err := r.cipher.Open(row.IBANEncrypted)
	if err != nil {
		return nil, ierr.WithError(err).
			WithMessagef("mandate %s has an unreadable IBAN", row.ID).
			Mark(ierr.ErrFatal)
	}
	m := row.Mandate
	m.IBAN = iban
	return &m, nil
}
