package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/storage"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// BankChannel hands files to the bank and fetches its status reports.
// Submit must be idempotent on messageID.
type BankChannel interface {
	Submit(ctx context.Context, messageID string, doc []byte) (*models.SubmissionAck, error)
	FetchReports(ctx context.Context) ([]*models.SettlementReport, error)
}

// SubmissionTiers are the waits between bank submission attempts.
var SubmissionTiers = []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour, 24 * time.Hour}

// TieredBackOff walks a fixed list of delays and stops after the last one.
type TieredBackOff struct {
	tiers   []time.Duration
	attempt int
}

// NewTieredBackOff starts after the given number of failed attempts.
func NewTieredBackOff(tiers []time.Duration, failed int) *TieredBackOff {
	return &TieredBackOff{tiers: tiers, attempt: failed}
}

func (b *TieredBackOff) NextBackOff() time.Duration {
	if b.attempt >= len(b.tiers) {
		return backoff.Stop
	}
	d := b.tiers[b.attempt]
	b.attempt++
	return d
}

func (b *TieredBackOff) Reset() {
	b.attempt = 0
}

var _ backoff.BackOff = (*TieredBackOff)(nil)

// Submitter hands generated batches to the bank channel. Retries are
// persisted on the batch so they survive restarts; the pipeline's submit
// stage picks up whatever is due.
type Submitter struct {
	batches   repository.BatchStore
	files     storage.FileStore
	bank      BankChannel
	workflow  *Workflow
	queue     *OperatorQueue
	publisher events.Publisher
	metrics   *metrics.Metrics
	audit     *audit.SystemWriter
	locks     *KeyedMutex
	tiers     []time.Duration
	now       Clock
	log       *logrus.Logger
}

func NewSubmitter(
	batches repository.BatchStore,
	files storage.FileStore,
	bank BankChannel,
	workflow *Workflow,
	queue *OperatorQueue,
	publisher events.Publisher,
	m *metrics.Metrics,
	auditWriter *audit.SystemWriter,
	log *logrus.Logger,
) *Submitter {
	return &Submitter{
		batches:   batches,
		files:     files,
		bank:      bank,
		workflow:  workflow,
		queue:     queue,
		publisher: publisher,
		metrics:   m,
		audit:     auditWriter.For("submit"),
		locks:     NewKeyedMutex(),
		tiers:     SubmissionTiers,
		now:       systemClock,
		log:       log,
	}
}

func (s *Submitter) WithClock(c Clock) *Submitter {
	s.now = c
	return s
}

// SubmissionReport lists batch IDs by what happened to them.
type SubmissionReport struct {
	Submitted []string `json:"submitted"`
	Rejected  []string `json:"rejected"`
	Retrying  []string `json:"retrying"`
	Escalated []string `json:"escalated"`
	Skipped   []string `json:"skipped,omitempty"`
}

type submitOutcome string

const (
	submitAccepted  submitOutcome = "accepted"
	submitRejected  submitOutcome = "rejected"
	submitRetrying  submitOutcome = "retry"
	submitEscalated submitOutcome = "escalated"
)

// SubmitDue submits every generated batch whose next attempt is due. A batch
// whose collection date has moved inside the notice period is escalated
// instead of sent.
func (s *Submitter) SubmitDue(ctx context.Context, run config.RunSettings) (*SubmissionReport, error) {
	due, err := s.batches.ListSubmittable(ctx, s.now(), run.MaxSubmitAttempts)
	if err != nil {
		return nil, err
	}
	report := &SubmissionReport{}
	for _, b := range due {
		unlock, ok := s.locks.TryLock(b.ID)
		if !ok {
			report.Skipped = append(report.Skipped, b.ID)
			continue
		}
		outcome, err := s.submit(ctx, run, b)
		unlock()
		if err != nil {
			return report, err
		}
		switch outcome {
		case submitAccepted:
			report.Submitted = append(report.Submitted, b.ID)
		case submitRejected:
			report.Rejected = append(report.Rejected, b.ID)
		case submitRetrying:
			report.Retrying = append(report.Retrying, b.ID)
		case submitEscalated:
			report.Escalated = append(report.Escalated, b.ID)
		}
	}
	return report, nil
}

func (s *Submitter) submit(ctx context.Context, run config.RunSettings, b *models.Batch) (submitOutcome, error) {
	log := s.log.WithFields(logrus.Fields{"batch_id": b.ID, "message_id": b.MessageID, "attempt": b.SubmitAttempts + 1})

	if earliest := EarliestCollectionDate(run, s.now()); b.CollectionDate.Before(earliest) {
		return s.giveUp(ctx, log, b, b.SubmitAttempts, fmt.Sprintf(
			"collection date %s is inside the notice period, the earliest possible date is now %s",
			b.CollectionDate.Format(utils.DateLayout), earliest.Format(utils.DateLayout)))
	}
	if b.FileRef == nil {
		return s.giveUp(ctx, log, b, b.SubmitAttempts, "batch has no file reference")
	}
	doc, err := s.files.Open(ctx, *b.FileRef)
	if err != nil {
		if ierr.IsTransient(err) {
			return s.retryLater(ctx, log, run, b, err)
		}
		return s.giveUp(ctx, log, b, b.SubmitAttempts, "file "+*b.FileRef+" cannot be read: "+err.Error())
	}

	ack, err := s.bank.Submit(ctx, b.MessageID, doc)
	if err != nil {
		if ierr.IsTransient(err) {
			return s.retryLater(ctx, log, run, b, err)
		}
		s.metrics.SubmissionAttempts.WithLabelValues("error").Inc()
		return s.giveUp(ctx, log, b, b.SubmitAttempts+1, "bank channel error: "+err.Error())
	}

	if err := s.batches.MarkSubmitted(ctx, b.ID); err != nil {
		return "", err
	}
	b.Status = models.BatchSubmitted
	b.SubmitAttempts++
	s.metrics.BatchTransitions.WithLabelValues(string(models.BatchSubmitted)).Inc()
	publishTransition(ctx, s.publisher, log, b, models.BatchGenerated, "", s.now())

	if !ack.Accepted {
		s.metrics.SubmissionAttempts.WithLabelValues(string(submitRejected)).Inc()
		reason := "rejected by bank"
		if ack.Code != "" {
			reason += " (" + ack.Code + ")"
		}
		if ack.Reason != "" {
			reason += ": " + ack.Reason
		}
		s.audit.Record(ctx, b.ID, "batch_submitted", "rejected on submission: %s", reason)
		if err := s.workflow.Fail(ctx, b, reason); err != nil {
			return "", err
		}
		return submitRejected, nil
	}

	s.metrics.SubmissionAttempts.WithLabelValues(string(submitAccepted)).Inc()
	s.audit.Record(ctx, b.ID, "batch_submitted", "accepted by bank after %d attempts", b.SubmitAttempts)
	log.Info("Batch submitted to bank")
	return submitAccepted, nil
}

// retryLater books the next attempt on the tier ladder, or escalates when
// the ladder or the attempt budget is exhausted.
func (s *Submitter) retryLater(ctx context.Context, log *logrus.Entry, run config.RunSettings, b *models.Batch, cause error) (submitOutcome, error) {
	s.metrics.SubmissionAttempts.WithLabelValues(string(submitRetrying)).Inc()
	attempts := b.SubmitAttempts + 1
	wait := NewTieredBackOff(s.tiers, b.SubmitAttempts).NextBackOff()
	if wait == backoff.Stop || attempts >= run.MaxSubmitAttempts {
		return s.giveUp(ctx, log, b, attempts, "bank unreachable after "+strconv.Itoa(attempts)+" attempts: "+cause.Error())
	}

	next := s.now().Add(wait)
	if err := s.batches.ScheduleRetry(ctx, b.ID, attempts, &next, cause.Error()); err != nil {
		return "", err
	}
	log.WithError(cause).WithField("next_attempt", next).Warn("Bank submission failed, retry scheduled")
	return submitRetrying, nil
}

// giveUp parks the batch in generated without a next attempt and hands it to
// the operator. The batch is never silently dropped.
func (s *Submitter) giveUp(ctx context.Context, log *logrus.Entry, b *models.Batch, attempts int, reason string) (submitOutcome, error) {
	if err := s.batches.ScheduleRetry(ctx, b.ID, attempts, nil, reason); err != nil {
		return "", err
	}
	if s.queue != nil {
		_ = s.queue.Escalate(ctx, models.EscalationBankSubmission, b.ID, "batch %s (%s): %s", b.ID, b.MessageID, reason)
	}
	s.audit.Record(ctx, b.ID, "submission_escalated", "%s", reason)
	log.WithField("reason", reason).Error("Bank submission escalated")
	return submitEscalated, nil
}

// Requeue schedules an immediate new attempt for a generated batch after an
// operator fixed whatever blocked it. The attempt counter starts over.
func (s *Submitter) Requeue(ctx context.Context, batchID string) (*models.Batch, error) {
	b, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BatchGenerated {
		return nil, ierr.NewErrorf("batch %s is %s", b.ID, b.Status).
			WithHint("Only generated batches can be queued for submission").
			Mark(ierr.ErrInvalidTransition)
	}
	now := s.now()
	if err := s.batches.ScheduleRetry(ctx, b.ID, 0, &now, ""); err != nil {
		return nil, err
	}
	b.SubmitAttempts = 0
	b.NextSubmitAt = &now
	b.LastError = nil
	s.audit.Record(ctx, b.ID, "submission_requeued", "queued for immediate submission")
	return b, nil
}
