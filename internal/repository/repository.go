package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// ScheduleStore persists dues schedules.
type ScheduleStore interface {
	Create(ctx context.Context, s *models.DuesSchedule) error
	Get(ctx context.Context, id string) (*models.DuesSchedule, error)
	ListForMember(ctx context.Context, memberID string) ([]*models.DuesSchedule, error)
	// ListDue returns active schedules with NextInvoiceDate <= asOf.
	ListDue(ctx context.Context, asOf time.Time) ([]*models.DuesSchedule, error)
	// Advance moves the billing calendar forward. It fails with
	// ErrVersionConflict when the schedule changed since it was read.
	Advance(ctx context.Context, id string, version int64, last, next time.Time) error
	UpdateStatus(ctx context.Context, id string, status models.ScheduleStatus) error
}

// MandateStore is the mandate registry.
type MandateStore interface {
	Create(ctx context.Context, m *models.Mandate) error
	Get(ctx context.Context, id string) (*models.Mandate, error)
	// GetForMember returns the member's most relevant mandate: the active one
	// when there is one, otherwise the most recently created.
	GetForMember(ctx context.Context, memberID string) (*models.Mandate, error)
	UpdateStatus(ctx context.Context, id string, status models.MandateStatus) error
	MarkFirstCollected(ctx context.Context, id string, at time.Time) error
}

// Ledger is the invoice ledger collaborator. It is authoritative for whether
// a schedule period has already been invoiced.
type Ledger interface {
	// CreateInvoice is idempotent on the request's IdempotencyKey: a repeated
	// call returns the existing invoice.
	CreateInvoice(ctx context.Context, req models.CreateInvoiceRequest) (*models.Invoice, error)
	FindByPeriod(ctx context.Context, scheduleID string, periodStart time.Time) (*models.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	GetUnpaidInvoices(ctx context.Context, memberID string) ([]*models.Invoice, error)
	// ListCollectable returns unpaid invoices due on or before dueBy.
	ListCollectable(ctx context.Context, dueBy time.Time) ([]*models.Invoice, error)
	RecordPayment(ctx context.Context, invoiceID string, paidAt time.Time, reference string) error
}

// BatchStore persists collection batches. Status changes are compare-and-set
// on the expected current status.
type BatchStore interface {
	// LockCollectionDate blocks until no other assembly, in any process, holds
	// the collection date. The returned function releases it.
	LockCollectionDate(ctx context.Context, date time.Time) (func(), error)
	// CreateDraft stores a draft batch and its lines. It fails with
	// ErrAlreadyExists when a line's invoice is already in an open batch.
	CreateDraft(ctx context.Context, b *models.Batch) error
	Get(ctx context.Context, id string) (*models.Batch, error)
	GetByMessageID(ctx context.Context, messageID string) (*models.Batch, error)
	List(ctx context.Context, status models.BatchStatus) ([]*models.Batch, error)
	// OpenClaims maps mandate IDs to the generated/submitted batch holding them.
	OpenClaims(ctx context.Context, mandateIDs []string) (map[string]string, error)
	// BatchedInvoices maps invoice IDs to the batch already collecting them.
	// Lines of failed batches and rejected lines do not count.
	BatchedInvoices(ctx context.Context, invoiceIDs []string) (map[string]string, error)
	// UpdateDraftLines rewrites line statuses and totals of a draft batch.
	UpdateDraftLines(ctx context.Context, b *models.Batch) error
	// MarkGenerated claims every accepted line's mandate and moves the batch
	// to generated in one transaction. A mandate already claimed yields a
	// *ClaimConflictError.
	MarkGenerated(ctx context.Context, b *models.Batch, fileRef string) error
	MarkSubmitted(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, attempts int, next *time.Time, lastErr string) error
	ListSubmittable(ctx context.Context, now time.Time, maxAttempts int) ([]*models.Batch, error)
	// Finalize moves a submitted batch to a terminal status, stores line
	// outcomes and releases its mandate claims.
	Finalize(ctx context.Context, b *models.Batch, status models.BatchStatus, reason string) error
}

// EscalationStore backs the operator queue.
type EscalationStore interface {
	Create(ctx context.Context, e *models.Escalation) error
	ListOpen(ctx context.Context) ([]*models.Escalation, error)
	Resolve(ctx context.Context, id string, at time.Time) error
}

// AuditStore is append-only.
type AuditStore interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	List(ctx context.Context, ref string) ([]*models.AuditEntry, error)
}

// PolicyStore keeps per member grace tiers and payment plans.
type PolicyStore interface {
	Get(ctx context.Context, memberID string) (*models.MemberPolicy, error)
	Upsert(ctx context.Context, p *models.MemberPolicy) error
	GraceTier(ctx context.Context, memberID string) (models.GraceTier, error)
	HasActivePaymentPlan(ctx context.Context, memberID string) (bool, error)
}

// ClaimConflictError reports mandates that another open batch already holds.
type ClaimConflictError struct {
	MandateIDs map[string]string // mandate -> holding batch
}

func (e *ClaimConflictError) Error() string {
	return "mandate already claimed by an open batch"
}

func (e *ClaimConflictError) Is(target error) bool {
	return target == ierr.ErrBusinessRule
}

// Repository groups the Postgres stores.
type Repository struct {
	db          *sqlx.DB
	Schedules   *ScheduleRepository
	Mandates    *MandateRepository
	Invoices    *InvoiceLedger
	Batches     *BatchRepository
	Escalations *EscalationRepository
	Audit       *AuditRepository
	Policies    *PolicyRepository
}

// NewRepository initializes the Postgres stores.
func NewRepository(db *sqlx.DB, cipher *utils.FieldCipher) *Repository {
	return &Repository{
		db:          db,
		Schedules:   &ScheduleRepository{db: db},
		Mandates:    &MandateRepository{db: db, cipher: cipher},
		Invoices:    &InvoiceLedger{db: db},
		Batches:     &BatchRepository{db: db},
		Escalations: &EscalationRepository{db: db},
		Audit:       &AuditRepository{db: db},
		Policies:    &PolicyRepository{db: db},
	}
}

// Migrate creates the schema when it does not exist yet.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return ierr.Wrap(err, "failed to apply schema")
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ierr.WithError(err).WithMessage("failed to begin transaction").Mark(ierr.ErrDatabase)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ierr.WithError(err).WithMessage("failed to commit transaction").Mark(ierr.ErrDatabase)
	}
	return nil
}

func notFound(err error, what string) error {
	if err == sql.ErrNoRows {
		return ierr.NewError(what + " not found").Mark(ierr.ErrNotFound)
	}
	return dbError(err, "failed to load "+what)
}

// dbError marks connection level failures as transient so callers retry them.
func dbError(err error, msg string) error {
	var pqErr *pq.Error
	if ierr.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return ierr.WithError(err).WithMessage(msg).Mark(ierr.ErrTransient)
		case "23":
			return ierr.WithError(err).WithMessage(msg).Mark(ierr.ErrAlreadyExists)
		}
		return ierr.WithError(err).WithMessage(msg).Mark(ierr.ErrDatabase)
	}
	return ierr.WithError(err).WithMessage(msg).Mark(ierr.ErrTransient)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return ierr.As(err, &pqErr) && pqErr.Code == "23505"
}
