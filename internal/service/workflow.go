package service

import (
	"context"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// transitions lists the only allowed moves. Nothing returns to an earlier
// status.
var transitions = map[models.BatchStatus][]models.BatchStatus{
	models.BatchDraft:     {models.BatchGenerated},
	models.BatchGenerated: {models.BatchSubmitted},
	models.BatchSubmitted: {models.BatchProcessed, models.BatchFailed},
}

func CanTransition(from, to models.BatchStatus) bool {
	return lo.Contains(transitions[from], to)
}

func ValidateTransition(from, to models.BatchStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return ierr.NewErrorf("batch cannot move from %s to %s", from, to).
		WithHintf("A %s batch cannot become %s", from, to).
		Mark(ierr.ErrInvalidTransition)
}

// Workflow ingests bank reports for submitted batches.
type Workflow struct {
	batches   repository.BatchStore
	ledger    repository.Ledger
	mandates  repository.MandateStore
	statuses  *MemberStatusService
	queue     *OperatorQueue
	publisher events.Publisher
	metrics   *metrics.Metrics
	audit     *audit.SystemWriter
	now       Clock
	log       *logrus.Logger
}

func NewWorkflow(
	batches repository.BatchStore,
	ledger repository.Ledger,
	mandates repository.MandateStore,
	statuses *MemberStatusService,
	queue *OperatorQueue,
	publisher events.Publisher,
	m *metrics.Metrics,
	auditWriter *audit.SystemWriter,
	log *logrus.Logger,
) *Workflow {
	return &Workflow{
		batches:   batches,
		ledger:    ledger,
		mandates:  mandates,
		statuses:  statuses,
		queue:     queue,
		publisher: publisher,
		metrics:   m,
		audit:     auditWriter.For("reconcile"),
		now:       systemClock,
		log:       log,
	}
}

func (w *Workflow) WithClock(c Clock) *Workflow {
	w.now = c
	return w
}

// ReconcileResult summarises one applied report.
type ReconcileResult struct {
	BatchID   string             `json:"batch_id"`
	Status    models.BatchStatus `json:"status"`
	Cleared   int                `json:"cleared"`
	Returned  int                `json:"returned"`
	Unmatched []string           `json:"unmatched,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// ApplyReport moves a submitted batch to processed or failed. A whole
// message rejection fails the batch; otherwise the batch is processed and
// lines named with a return code are flagged returned while the rest clear.
// A report for a batch that is already terminal changes nothing.
func (w *Workflow) ApplyReport(ctx context.Context, report *models.SettlementReport) (*ReconcileResult, error) {
	b, err := w.batches.GetByMessageID(ctx, report.MessageID)
	if err != nil {
		return nil, err
	}
	log := w.log.WithFields(logrus.Fields{"batch_id": b.ID, "message_id": b.MessageID})
	result := &ReconcileResult{BatchID: b.ID, Status: b.Status}

	if b.Status.IsTerminal() {
		log.WithField("status", b.Status).Info("Report for finished batch ignored")
		result.Duplicate = true
		return result, nil
	}

	if report.Rejected {
		if err := w.Fail(ctx, b, report.RejectionReason); err != nil {
			return nil, err
		}
		result.Status = models.BatchFailed
		return result, nil
	}
	if err := ValidateTransition(b.Status, models.BatchProcessed); err != nil {
		return nil, err
	}

	outcomes := lo.SliceToMap(report.Lines, func(l models.LineResult) (string, models.LineResult) { return l.EndToEndID, l })
	var cleared, returned []*models.BatchLine
	for _, line := range b.AcceptedLines() {
		res, reported := outcomes[line.EndToEndID]
		delete(outcomes, line.EndToEndID)
		if reported && res.Returned {
			code := res.ReturnCode
			reason := models.ReturnReason(code)
			line.Status = models.LineReturned
			line.ReasonCode = &code
			line.Reason = &reason
			returned = append(returned, line)
			continue
		}
		line.Status = models.LineCleared
		cleared = append(cleared, line)
	}
	result.Unmatched = lo.Keys(outcomes)

	if err := w.batches.Finalize(ctx, b, models.BatchProcessed, ""); err != nil {
		return nil, err
	}
	b.Status = models.BatchProcessed
	result.Status = b.Status
	result.Cleared = len(cleared)
	result.Returned = len(returned)

	w.metrics.BatchTransitions.WithLabelValues(string(models.BatchProcessed)).Inc()
	w.audit.Record(ctx, b.ID, "batch_processed", "%d lines cleared, %d returned", len(cleared), len(returned))
	publishTransition(ctx, w.publisher, log, b, models.BatchSubmitted, "", w.now())

	w.settle(ctx, log, b, cleared, returned)
	if len(result.Unmatched) > 0 {
		w.escalate(ctx, b.ID, "report for %s names unknown transactions %v", b.MessageID, result.Unmatched)
	}

	log.WithFields(logrus.Fields{"cleared": len(cleared), "returned": len(returned)}).Info("Batch reconciled")
	return result, nil
}

// Fail moves a submitted batch to failed. Its lines stay as they were and
// their mandates become free for a later batch.
func (w *Workflow) Fail(ctx context.Context, b *models.Batch, reason string) error {
	if err := ValidateTransition(b.Status, models.BatchFailed); err != nil {
		return err
	}
	if err := w.batches.Finalize(ctx, b, models.BatchFailed, reason); err != nil {
		return err
	}
	b.Status = models.BatchFailed
	b.LastError = &reason

	log := w.log.WithFields(logrus.Fields{"batch_id": b.ID, "message_id": b.MessageID})
	w.metrics.BatchTransitions.WithLabelValues(string(models.BatchFailed)).Inc()
	w.audit.Record(ctx, b.ID, "batch_failed", "%s", reason)
	publishTransition(ctx, w.publisher, log, b, models.BatchSubmitted, reason, w.now())
	log.WithField("reason", reason).Error("Batch rejected by bank")
	return nil
}

// settle propagates line outcomes to the ledger and mandates. The batch
// status is already final; anything that fails here goes to the operator.
func (w *Workflow) settle(ctx context.Context, log *logrus.Entry, b *models.Batch, cleared, returned []*models.BatchLine) {
	now := w.now()
	for _, line := range cleared {
		if err := w.ledger.RecordPayment(ctx, line.InvoiceID, now, b.MessageID+"/"+line.EndToEndID); err != nil {
			log.WithError(err).WithField("invoice_id", line.InvoiceID).Error("Failed to record payment")
			w.escalate(ctx, b.ID, "payment for invoice %s (line %s) not recorded: %v", line.InvoiceID, line.ID, err)
		}
		if line.SequenceType == models.SequenceFirst {
			if err := w.mandates.MarkFirstCollected(ctx, line.MandateID, now); err != nil {
				log.WithError(err).WithField("mandate_id", line.MandateID).Error("Failed to mark first collection")
				w.escalate(ctx, b.ID, "mandate %s first collection not recorded: %v", line.MandateID, err)
			}
		}
	}

	for _, line := range returned {
		code := lo.FromPtr(line.ReasonCode)
		w.metrics.LinesReturned.WithLabelValues(code).Inc()
		ev := events.LineReturned{
			BatchID:    b.ID,
			LineID:     line.ID,
			InvoiceID:  line.InvoiceID,
			MemberID:   line.MemberID,
			MandateID:  line.MandateID,
			Amount:     line.Amount,
			ReturnCode: code,
			Reason:     lo.FromPtr(line.Reason),
		}
		if err := w.publisher.Publish(ctx, events.TopicBatchLineReturned, ev); err != nil {
			log.WithError(err).WithField("line_id", line.ID).Warn("Failed to publish line return")
		}
		log.WithFields(logrus.Fields{"invoice_id": line.InvoiceID, "member_id": line.MemberID, "code": code}).
			Warn("Line returned: " + ev.Reason)
	}

	if w.statuses != nil {
		for _, line := range append(cleared, returned...) {
			w.statuses.Invalidate(line.MemberID)
		}
	}
}

func (w *Workflow) escalate(ctx context.Context, ref, format string, args ...any) {
	if w.queue == nil {
		return
	}
	_ = w.queue.Escalate(ctx, models.EscalationReconciliation, ref, format, args...)
}

func publishTransition(ctx context.Context, p events.Publisher, log *logrus.Entry, b *models.Batch, from models.BatchStatus, reason string, at time.Time) {
	ev := events.BatchTransition{
		BatchID:   b.ID,
		MessageID: b.MessageID,
		From:      string(from),
		To:        string(b.Status),
		Reason:    reason,
		At:        at,
	}
	if err := p.Publish(ctx, events.TopicBatchTransition, ev); err != nil {
		log.WithError(err).Warn("Failed to publish batch transition")
	}
}
