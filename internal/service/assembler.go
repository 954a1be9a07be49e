package service

import (
	"context"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Assembler builds draft collection batches from due invoices.
type Assembler struct {
	batches  repository.BatchStore
	mandates repository.MandateStore
	metrics  *metrics.Metrics
	audit    *audit.SystemWriter
	now      Clock
	log      *logrus.Logger
}

func NewAssembler(batches repository.BatchStore, mandates repository.MandateStore, m *metrics.Metrics, auditWriter *audit.SystemWriter, log *logrus.Logger) *Assembler {
	return &Assembler{
		batches:  batches,
		mandates: mandates,
		metrics:  m,
		audit:    auditWriter.For("assemble"),
		now:      systemClock,
		log:      log,
	}
}

// WithClock pins the assembler's notion of today.
func (a *Assembler) WithClock(c Clock) *Assembler {
	a.now = c
	return a
}

// AssemblyResult is the draft batch (nil when no line was accepted) and the
// per line report.
type AssemblyResult struct {
	Batch    *models.Batch          `json:"batch,omitempty"`
	Accepted []*models.BatchLine    `json:"accepted"`
	Rejected []models.LineRejection `json:"rejected"`
}

// EarliestCollectionDate is today plus the minimum notice in business days.
func EarliestCollectionDate(run config.RunSettings, today time.Time) time.Time {
	return run.Calendar.AddBusinessDays(utils.Day(today), run.MinNoticeDays)
}

// CollectionDateFor returns the date the pipeline collects on when it runs
// today: the configured lead time in business days, never below the notice.
func CollectionDateFor(run config.RunSettings, today time.Time) time.Time {
	lead := run.CollectionLeadDays
	if lead < run.MinNoticeDays {
		lead = run.MinNoticeDays
	}
	return run.Calendar.NextBusinessDay(run.Calendar.AddBusinessDays(utils.Day(today), lead))
}

// Assemble validates the candidates for collectionDate and persists a draft
// batch of the accepted ones. Insufficient notice fails the whole call;
// everything else rejects single lines with a reason. The store's lock on
// the collection date is held from the batched invoice read until the draft
// is written.
func (a *Assembler) Assemble(ctx context.Context, run config.RunSettings, collectionDate time.Time, candidates []*models.Invoice) (*AssemblyResult, error) {
	collectionDate = utils.Day(collectionDate)
	today := utils.Day(a.now())

	if earliest := EarliestCollectionDate(run, today); collectionDate.Before(earliest) {
		return nil, ierr.NewErrorf("collection date %s is inside the notice period", collectionDate.Format(utils.DateLayout)).
			WithHintf("Collection needs %d business days notice; the earliest date is %s",
				run.MinNoticeDays, earliest.Format(utils.DateLayout)).
			Mark(ierr.ErrBusinessRule)
	}
	if !run.Calendar.IsBusinessDay(collectionDate) {
		return nil, ierr.NewErrorf("collection date %s is not a business day", collectionDate.Format(utils.DateLayout)).
			WithHintf("Use %s instead", run.Calendar.NextBusinessDay(collectionDate).Format(utils.DateLayout)).
			Mark(ierr.ErrBusinessRule)
	}

	unlock, err := a.batches.LockCollectionDate(ctx, collectionDate)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := a.log.WithField("collection_date", collectionDate.Format(utils.DateLayout))
	result := &AssemblyResult{}

	batched, err := a.batches.BatchedInvoices(ctx, lo.Map(candidates, func(inv *models.Invoice, _ int) string { return inv.ID }))
	if err != nil {
		return nil, err
	}

	mandates := make(map[string]*models.Mandate)
	for _, memberID := range lo.Uniq(lo.Map(candidates, func(inv *models.Invoice, _ int) string { return inv.MemberID })) {
		m, err := a.mandates.GetForMember(ctx, memberID)
		if ierr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mandates[memberID] = m
	}

	claims, err := a.batches.OpenClaims(ctx, lo.Uniq(lo.MapToSlice(mandates, func(_ string, m *models.Mandate) string { return m.ID })))
	if err != nil {
		return nil, err
	}

	batch := &models.Batch{
		ID:             models.NewID("bat"),
		MessageID:      models.NewMessageID(),
		CollectionDate: collectionDate,
		Status:         models.BatchDraft,
		Currency:       run.Currency,
	}

	seen := make(map[string]string)
	for _, inv := range candidates {
		m := mandates[inv.MemberID]
		reject := func(code, reason string) {
			rej := models.LineRejection{InvoiceID: inv.ID, MemberID: inv.MemberID, Code: code, Reason: reason}
			if m != nil {
				rej.MandateID = m.ID
			}
			result.Rejected = append(result.Rejected, rej)
		}

		switch {
		case inv.Status != models.InvoiceUnpaid:
			reject(models.ReasonNotCollectable, "invoice is "+string(inv.Status))
			continue
		case !inv.Amount.IsPositive():
			reject(models.ReasonInvalidAmount, "amount must be positive, got "+inv.Amount.String())
			continue
		case !inv.Amount.Equal(models.RoundToMinor(inv.Amount, inv.Currency)):
			reject(models.ReasonInvalidAmount, "amount "+inv.Amount.String()+" is not in minor units")
			continue
		case inv.Currency != run.Currency:
			reject(models.ReasonCurrencyMismatch, "invoice currency "+inv.Currency+" cannot be collected in "+run.Currency)
			continue
		case batched[inv.ID] != "":
			reject(models.ReasonAlreadyBatched, "invoice is already in batch "+batched[inv.ID])
			continue
		case m == nil:
			reject(models.ReasonNoMandate, "member has no mandate")
			continue
		case m.Status != models.MandateActive:
			reject(models.ReasonMandateInactive, "mandate "+m.Reference+" is "+string(m.Status))
			continue
		}
		if err := ValidateBankDetails(m.IBAN, m.BIC, m.AccountHolder); err != nil {
			reject(models.ReasonInvalidBankDetails, err.Error())
			continue
		}
		if first, dup := seen[m.ID]; dup {
			reject(models.ReasonDuplicateMandate, "mandate "+m.Reference+" is already used by invoice "+first+" in this batch")
			continue
		}
		if holder := claims[m.ID]; holder != "" {
			reject(models.ReasonMandateInOpenBatch, "mandate "+m.Reference+" is held by open batch "+holder)
			continue
		}

		seen[m.ID] = inv.ID
		batch.Lines = append(batch.Lines, &models.BatchLine{
			ID:           models.NewID("bln"),
			BatchID:      batch.ID,
			InvoiceID:    inv.ID,
			MandateID:    m.ID,
			MemberID:     inv.MemberID,
			Amount:       inv.Amount,
			SequenceType: m.SequenceType(),
			EndToEndID:   models.NewEndToEndID(),
			Status:       models.LineAccepted,
		})
	}

	result.Accepted = batch.Lines
	a.metrics.LinesAssembled.WithLabelValues("accepted").Add(float64(len(result.Accepted)))
	a.metrics.LinesAssembled.WithLabelValues("rejected").Add(float64(len(result.Rejected)))
	for _, r := range result.Rejected {
		log.WithFields(logrus.Fields{"invoice_id": r.InvoiceID, "code": r.Code}).Info("Candidate rejected: " + r.Reason)
	}

	if len(batch.Lines) == 0 {
		log.WithField("rejected", len(result.Rejected)).Warn("No collectable lines, batch not created")
		return result, nil
	}

	batch.RecomputeTotals()
	if err := a.batches.CreateDraft(ctx, batch); err != nil {
		return nil, err
	}
	result.Batch = batch

	a.audit.Record(ctx, batch.ID, "batch_assembled", "%d lines accepted, %d rejected, total %s %s",
		batch.TotalTransactions, len(result.Rejected), batch.TotalAmount.StringFixed(2), batch.Currency)
	log.WithFields(logrus.Fields{
		"batch_id":   batch.ID,
		"message_id": batch.MessageID,
		"accepted":   batch.TotalTransactions,
		"rejected":   len(result.Rejected),
		"total":      batch.TotalAmount.StringFixed(2),
	}).Info("Draft batch assembled")
	return result, nil
}

// ExcludeLines takes lines out of a draft batch on an operator's request.
func (a *Assembler) ExcludeLines(ctx context.Context, batchID string, lineIDs []string, reason string) (*models.Batch, error) {
	wanted := lo.SliceToMap(lineIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	b, excluded, err := a.rejectLines(ctx, batchID, func(l *models.BatchLine) (string, string, bool) {
		_, ok := wanted[l.ID]
		return models.ReasonExcludedByOperator, reason, ok
	})
	if err != nil {
		return nil, err
	}
	a.audit.Record(ctx, b.ID, "lines_excluded", "%d lines excluded: %s", excluded, reason)
	return b, nil
}

// DropFailedLines rejects the draft lines whose invoices failed generation.
// Each line keeps the code and reason of its failure, and its invoice is
// free to be assembled again.
func (a *Assembler) DropFailedLines(ctx context.Context, batchID string, failures []models.LineRejection) (*models.Batch, error) {
	byInvoice := lo.KeyBy(failures, func(f models.LineRejection) string { return f.InvoiceID })
	b, dropped, err := a.rejectLines(ctx, batchID, func(l *models.BatchLine) (string, string, bool) {
		f, ok := byInvoice[l.InvoiceID]
		return f.Code, f.Reason, ok
	})
	if err != nil {
		return nil, err
	}
	a.audit.Record(ctx, b.ID, "lines_dropped", "%d lines dropped before generation, %d left",
		dropped, len(b.AcceptedLines()))
	return b, nil
}

func (a *Assembler) rejectLines(ctx context.Context, batchID string, match func(*models.BatchLine) (string, string, bool)) (*models.Batch, int, error) {
	b, err := a.batches.Get(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	if b.Status != models.BatchDraft {
		return nil, 0, ierr.NewErrorf("batch %s is %s", b.ID, b.Status).
			WithHint("Lines can only be excluded while the batch is a draft").
			Mark(ierr.ErrInvalidTransition)
	}

	n := 0
	for _, l := range b.Lines {
		if l.Status != models.LineAccepted {
			continue
		}
		if code, reason, ok := match(l); ok {
			l.Reject(code, reason)
			n++
		}
	}
	if n == 0 {
		return nil, 0, ierr.NewError("no accepted line matched").Mark(ierr.ErrValidation)
	}

	b.RecomputeTotals()
	if err := a.batches.UpdateDraftLines(ctx, b); err != nil {
		return nil, 0, err
	}
	return b, n, nil
}
