package service

import (
	"context"
	"fmt"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/storage"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// RenderService turns a draft batch into a pain.008 file.
type RenderService struct {
	batches   repository.BatchStore
	ledger    repository.Ledger
	mandates  repository.MandateStore
	files     storage.FileStore
	creditor  sepa.Creditor
	publisher events.Publisher
	metrics   *metrics.Metrics
	audit     *audit.SystemWriter
	now       Clock
	log       *logrus.Logger
}

func NewRenderService(
	batches repository.BatchStore,
	ledger repository.Ledger,
	mandates repository.MandateStore,
	files storage.FileStore,
	creditor sepa.Creditor,
	publisher events.Publisher,
	m *metrics.Metrics,
	auditWriter *audit.SystemWriter,
	log *logrus.Logger,
) *RenderService {
	return &RenderService{
		batches:   batches,
		ledger:    ledger,
		mandates:  mandates,
		files:     files,
		creditor:  creditor,
		publisher: publisher,
		metrics:   m,
		audit:     auditWriter.For("render"),
		now:       systemClock,
		log:       log,
	}
}

func (r *RenderService) WithClock(c Clock) *RenderService {
	r.now = c
	return r
}

// RenderResult carries the generated file, or the lines that blocked it.
type RenderResult struct {
	Batch    *models.Batch          `json:"batch"`
	FileRef  string                 `json:"file_ref,omitempty"`
	Document []byte                 `json:"-"`
	Failures []models.LineRejection `json:"failures,omitempty"`
}

// Render re-validates every accepted line against live ledger and mandate
// data, writes the file and moves the batch to generated while claiming its
// mandates. When any line fails the batch stays a draft and the failing
// lines are returned with the error.
func (r *RenderService) Render(ctx context.Context, run config.RunSettings, batchID string) (*RenderResult, error) {
	b, err := r.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(b.Status, models.BatchGenerated); err != nil {
		return nil, err
	}
	accepted := b.AcceptedLines()
	if len(accepted) == 0 {
		return nil, ierr.NewErrorf("batch %s has no accepted lines", b.ID).
			WithHint("Empty batches are not rendered").
			Mark(ierr.ErrValidation)
	}

	log := r.log.WithFields(logrus.Fields{"batch_id": b.ID, "message_id": b.MessageID})
	result := &RenderResult{Batch: b}

	doc := sepa.Document{
		MessageID: b.MessageID,
		CreatedAt: r.now(),
		Creditor:  r.creditor,
	}
	lineByE2E := make(map[string]*models.BatchLine, len(accepted))
	for _, line := range accepted {
		lineByE2E[line.EndToEndID] = line
		tx, reason := r.revalidate(ctx, run, b, line)
		if reason != "" {
			result.Failures = append(result.Failures, rejection(line, models.ReasonStaleLine, reason))
			continue
		}
		doc.Transactions = append(doc.Transactions, tx)
	}
	if len(result.Failures) > 0 {
		return result, r.blocked(log, result)
	}

	b.RecomputeTotals()
	xml, err := sepa.Render(doc)
	if err != nil {
		var verr *sepa.ValidationError
		if !ierr.As(err, &verr) {
			return nil, ierr.WithError(err).WithMessage("failed to render collection file").Mark(ierr.ErrFatal)
		}
		for _, le := range verr.Lines {
			if line, ok := lineByE2E[le.EndToEndID]; ok {
				result.Failures = append(result.Failures, rejection(line, models.ReasonInvalidBankDetails, le.Reason))
			}
		}
		if len(verr.Header) > 0 {
			return nil, ierr.WithError(err).WithHint("Check the creditor configuration").Mark(ierr.ErrFatal)
		}
		return result, r.blocked(log, result)
	}

	if err := verifyRoundTrip(xml, b); err != nil {
		return nil, err
	}

	ref, err := r.files.Save(ctx, b.MessageID+".xml", xml)
	if err != nil {
		return nil, err
	}

	if err := r.batches.MarkGenerated(ctx, b, ref); err != nil {
		r.discard(ctx, log, ref)
		var conflict *repository.ClaimConflictError
		if ierr.As(err, &conflict) {
			for mandateID, holder := range conflict.MandateIDs {
				for _, line := range accepted {
					if line.MandateID == mandateID {
						result.Failures = append(result.Failures,
							rejection(line, models.ReasonMandateInOpenBatch, "mandate is held by open batch "+holder))
					}
				}
			}
			return result, r.blocked(log, result)
		}
		return nil, err
	}

	b.Status = models.BatchGenerated
	b.FileRef = &ref
	result.FileRef = ref
	result.Document = xml

	r.metrics.BatchTransitions.WithLabelValues(string(models.BatchGenerated)).Inc()
	r.audit.Record(ctx, b.ID, "batch_generated", "file %s with %d transactions, control sum %s",
		ref, b.TotalTransactions, b.TotalAmount.StringFixed(2))
	publishTransition(ctx, r.publisher, log, b, models.BatchDraft, "", r.now())
	log.WithFields(logrus.Fields{"file_ref": ref, "transactions": b.TotalTransactions, "total": b.TotalAmount.StringFixed(2)}).
		Info("Collection file generated")
	return result, nil
}

// revalidate rebuilds a transaction from the current invoice and mandate.
// Nothing cached at assembly time is trusted.
func (r *RenderService) revalidate(ctx context.Context, run config.RunSettings, b *models.Batch, line *models.BatchLine) (sepa.Transaction, string) {
	inv, err := r.ledger.GetInvoice(ctx, line.InvoiceID)
	if err != nil {
		return sepa.Transaction{}, "invoice cannot be loaded: " + err.Error()
	}
	switch {
	case inv.Status != models.InvoiceUnpaid:
		return sepa.Transaction{}, "invoice is " + string(inv.Status)
	case !inv.Amount.Equal(line.Amount):
		return sepa.Transaction{}, fmt.Sprintf("invoice amount changed from %s to %s", line.Amount.StringFixed(2), inv.Amount.StringFixed(2))
	case inv.MemberID != line.MemberID:
		return sepa.Transaction{}, "invoice belongs to another member"
	case inv.Currency != b.Currency || inv.Currency != run.Currency:
		return sepa.Transaction{}, "invoice currency " + inv.Currency + " does not match the batch"
	}

	m, err := r.mandates.Get(ctx, line.MandateID)
	if err != nil {
		return sepa.Transaction{}, "mandate cannot be loaded: " + err.Error()
	}
	switch {
	case m.Status != models.MandateActive:
		return sepa.Transaction{}, "mandate " + m.Reference + " is " + string(m.Status)
	case m.MemberID != line.MemberID:
		return sepa.Transaction{}, "mandate belongs to another member"
	}
	if err := ValidateBankDetails(m.IBAN, m.BIC, m.AccountHolder); err != nil {
		return sepa.Transaction{}, err.Error()
	}

	line.SequenceType = m.SequenceType()
	return sepa.Transaction{
		EndToEndID:      line.EndToEndID,
		Amount:          line.Amount,
		Currency:        inv.Currency,
		CollectionDate:  b.CollectionDate,
		SequenceType:    string(line.SequenceType),
		MandateID:       m.Reference,
		MandateSignedAt: m.SignedAt,
		DebtorName:      m.AccountHolder,
		DebtorIBAN:      m.IBAN,
		DebtorBIC:       m.BIC,
		Remittance: fmt.Sprintf("Membership dues %s - %s %s",
			inv.PeriodStart.Format(utils.DateLayout), inv.PeriodEnd.Format(utils.DateLayout), inv.ID),
	}, ""
}

// discard removes a file whose batch never reached generated.
func (r *RenderService) discard(ctx context.Context, log *logrus.Entry, ref string) {
	if err := r.files.Delete(ctx, ref); err != nil {
		log.WithError(err).WithField("file_ref", ref).Warn("Failed to delete unused collection file")
	}
}

func (r *RenderService) blocked(log *logrus.Entry, result *RenderResult) error {
	for _, f := range result.Failures {
		log.WithFields(logrus.Fields{"invoice_id": f.InvoiceID, "code": f.Code}).Warn("Line blocks generation: " + f.Reason)
	}
	return ierr.NewErrorf("%d lines failed validation", len(result.Failures)).
		WithHint("Exclude the failing lines or fix their data, then render again").
		WithReportableDetails(map[string]any{
			"invoice_ids": lo.Map(result.Failures, func(f models.LineRejection, _ int) string { return f.InvoiceID }),
		}).
		Mark(ierr.ErrValidation)
}

// verifyRoundTrip re-reads the file and compares it with the batch totals.
func verifyRoundTrip(xml []byte, b *models.Batch) error {
	parsed, err := sepa.ParseMessage(xml)
	if err != nil {
		return ierr.WithError(err).WithMessage("generated file cannot be parsed").Mark(ierr.ErrFatal)
	}
	if parsed.MessageID != b.MessageID ||
		parsed.NumberOfTxs != b.TotalTransactions ||
		!parsed.ControlSum.Equal(b.TotalAmount) ||
		!parsed.Total().Equal(b.TotalAmount) {
		return ierr.NewErrorf("generated file does not match batch %s: %d txs / %s, want %d / %s",
			b.ID, parsed.NumberOfTxs, parsed.Total().StringFixed(2), b.TotalTransactions, b.TotalAmount.StringFixed(2)).
			Mark(ierr.ErrFatal)
	}
	return nil
}

func rejection(line *models.BatchLine, code, reason string) models.LineRejection {
	return models.LineRejection{
		InvoiceID: line.InvoiceID,
		MandateID: line.MandateID,
		MemberID:  line.MemberID,
		Code:      code,
		Reason:    reason,
	}
}
