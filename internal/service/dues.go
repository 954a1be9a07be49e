package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// DuesService turns due schedules into invoices.
type DuesService struct {
	schedules  repository.ScheduleStore
	ledger     repository.Ledger
	queue      *OperatorQueue
	publisher  events.Publisher
	metrics    *metrics.Metrics
	audit      *audit.SystemWriter
	locks      *KeyedMutex
	newBackOff BackOffFactory
	log        *logrus.Logger
}

func NewDuesService(
	schedules repository.ScheduleStore,
	ledger repository.Ledger,
	queue *OperatorQueue,
	publisher events.Publisher,
	m *metrics.Metrics,
	auditWriter *audit.SystemWriter,
	log *logrus.Logger,
) *DuesService {
	return &DuesService{
		schedules:  schedules,
		ledger:     ledger,
		queue:      queue,
		publisher:  publisher,
		metrics:    m,
		audit:      auditWriter.For("generate"),
		locks:      NewKeyedMutex(),
		newBackOff: defaultBackOff,
		log:        log,
	}
}

// WithBackOff replaces the retry policy for ledger calls.
func (s *DuesService) WithBackOff(f BackOffFactory) *DuesService {
	s.newBackOff = f
	return s
}

// GenerationReport summarises one generation run.
type GenerationReport struct {
	AsOf      time.Time           `json:"as_of"`
	Processed int                 `json:"processed"`
	Created   []*models.Invoice   `json:"created"`
	Existing  []*models.Invoice   `json:"existing"`
	Failures  []GenerationFailure `json:"failures"`
	Skipped   []string            `json:"skipped,omitempty"`
}

type GenerationFailure struct {
	ScheduleID string `json:"schedule_id"`
	Error      string `json:"error"`
}

// Invoices returns every invoice the run produced or found, ordered by
// schedule.
func (r *GenerationReport) Invoices() []*models.Invoice {
	out := append(append([]*models.Invoice(nil), r.Created...), r.Existing...)
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeExisting
	outcomeSkipped
)

// GenerateDueInvoices creates at most one invoice for every active schedule
// whose next invoice date is on or before asOf. Schedules are processed on a
// bounded pool; a failing schedule is retried, escalated and skipped
// without affecting the others.
func (s *DuesService) GenerateDueInvoices(ctx context.Context, run config.RunSettings, asOf time.Time) (*GenerationReport, error) {
	asOf = utils.Day(asOf)
	due, err := s.schedules.ListDue(ctx, asOf)
	if err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to list due schedules").Mark(ierr.ErrTransient)
	}

	report := &GenerationReport{AsOf: asOf, Processed: len(due)}
	var mu sync.Mutex

	workers := run.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, sched := range due {
		sched := sched
		p.Go(func() {
			log := s.log.WithFields(logrus.Fields{"schedule_id": sched.ID, "member_id": sched.MemberID})
			inv, result, err := s.generateOne(ctx, run, sched.ID, asOf)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, GenerationFailure{ScheduleID: sched.ID, Error: err.Error()})
				s.metrics.GenerationFailures.Inc()
				log.WithError(err).Error("Invoice generation failed")
				if qerr := s.queue.Escalate(ctx, models.EscalationInvoiceGeneration, sched.ID,
					"invoice generation for schedule %s failed: %v", sched.ID, err); qerr != nil {
					log.WithError(qerr).Error("Schedule could not be escalated")
				}
				return
			}
			switch result {
			case outcomeCreated:
				report.Created = append(report.Created, inv)
			case outcomeExisting:
				report.Existing = append(report.Existing, inv)
			case outcomeSkipped:
				report.Skipped = append(report.Skipped, sched.ID)
			}
		})
	}
	p.Wait()

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].ScheduleID < report.Failures[j].ScheduleID })
	sort.Slice(report.Created, func(i, j int) bool { return report.Created[i].ScheduleID < report.Created[j].ScheduleID })
	sort.Strings(report.Skipped)

	s.log.WithFields(logrus.Fields{
		"as_of":    asOf.Format(utils.DateLayout),
		"due":      report.Processed,
		"created":  len(report.Created),
		"existing": len(report.Existing),
		"failed":   len(report.Failures),
	}).Info("Invoice generation finished")
	return report, nil
}

// generateOne runs the read-check-write for one schedule under its lock.
// The ledger's idempotency key and the versioned advance make a racing run
// in another process harmless as well.
func (s *DuesService) generateOne(ctx context.Context, run config.RunSettings, scheduleID string, asOf time.Time) (*models.Invoice, outcome, error) {
	unlock := s.locks.Lock("schedule:" + scheduleID)
	defer unlock()

	sched, err := retry(ctx, s.newBackOff, run.GenerationRetries, func() (*models.DuesSchedule, error) {
		return s.schedules.Get(ctx, scheduleID)
	})
	if err != nil {
		return nil, 0, err
	}
	if sched.Status != models.ScheduleActive || utils.Day(sched.NextInvoiceDate).After(asOf) {
		return nil, outcomeSkipped, nil
	}

	period, err := ComputePeriod(sched, run)
	if err != nil {
		return nil, 0, err
	}

	result := outcomeExisting
	inv, err := retry(ctx, s.newBackOff, run.GenerationRetries, func() (*models.Invoice, error) {
		existing, err := s.ledger.FindByPeriod(ctx, sched.ID, period.Start)
		if err == nil {
			return existing, nil
		}
		if !ierr.IsNotFound(err) {
			return nil, err
		}
		result = outcomeCreated
		return s.ledger.CreateInvoice(ctx, models.CreateInvoiceRequest{
			ScheduleID:     sched.ID,
			MemberID:       sched.MemberID,
			Period:         period,
			Currency:       sched.Currency,
			DueDate:        period.Start,
			IdempotencyKey: models.InvoiceIdempotencyKey(sched.ID, period.Start),
		})
	})
	if err != nil {
		return nil, 0, err
	}

	if err := s.advance(ctx, run, sched, period); err != nil {
		return nil, 0, err
	}

	log := s.log.WithFields(logrus.Fields{"schedule_id": sched.ID, "invoice_id": inv.ID})
	if result == outcomeExisting {
		log.Debug("Period already invoiced, schedule advanced")
		return inv, result, nil
	}

	s.metrics.InvoicesGenerated.Inc()
	s.audit.Record(ctx, sched.ID, "invoice_created", "invoice %s for %s to %s amount %s %s",
		inv.ID, period.Start.Format(utils.DateLayout), period.End.Format(utils.DateLayout), inv.Amount.StringFixed(2), inv.Currency)
	if err := s.publisher.Publish(ctx, events.TopicInvoiceCreated, events.InvoiceCreated{
		InvoiceID:   inv.ID,
		ScheduleID:  sched.ID,
		MemberID:    sched.MemberID,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Prorated:    period.Prorated,
	}); err != nil {
		log.WithError(err).Warn("Failed to publish invoice event")
	}
	log.WithFields(logrus.Fields{"amount": inv.Amount.StringFixed(2), "prorated": period.Prorated}).Info("Invoice created")
	return inv, result, nil
}

// advance moves the schedule past the invoiced period. A version conflict
// means another writer got there first; that is fine as long as it moved
// the schedule past this period.
func (s *DuesService) advance(ctx context.Context, run config.RunSettings, sched *models.DuesSchedule, period models.BillingPeriod) error {
	_, err := retry(ctx, s.newBackOff, run.GenerationRetries, func() (struct{}, error) {
		return struct{}{}, s.schedules.Advance(ctx, sched.ID, sched.Version, period.Start, period.End)
	})
	if err == nil || !ierr.IsVersionConflict(err) {
		return err
	}

	current, gerr := s.schedules.Get(ctx, sched.ID)
	if gerr != nil {
		return gerr
	}
	if utils.Day(current.NextInvoiceDate).After(period.Start) {
		return nil
	}
	return err
}

// ComputePeriod returns the next billing period of a schedule. Period ends
// are derived with calendar month arithmetic on the schedule's anchor day,
// so a schedule on the 31st bills on the last day of shorter months and
// returns to the 31st afterwards.
func ComputePeriod(sched *models.DuesSchedule, run config.RunSettings) (models.BillingPeriod, error) {
	months, err := intervalMonths(sched, run.FrequencyIntervals)
	if err != nil {
		return models.BillingPeriod{}, err
	}

	start := utils.Day(sched.NextInvoiceDate)
	anchor := sched.AnchorDay
	if anchor <= 0 {
		anchor = start.Day()
	}
	end := utils.AddMonths(start, months, anchor)
	period := models.BillingPeriod{
		Start:      start,
		End:        end,
		Amount:     models.RoundToMinor(sched.Amount, sched.Currency),
		FullDays:   utils.DaysBetween(start, end),
		BilledDays: utils.DaysBetween(start, end),
	}

	if !run.ProrationEnabled || !sched.IsFirstInvoice() || sched.AnchorDay <= 0 || onAnchor(start, sched.AnchorDay) {
		return period, nil
	}

	// First invoice off the anchor grid: bill the stub up to the next anchor
	// date as a share of the aligned period that ends there.
	nextAnchor := utils.DateOnDay(start.Year(), start.Month(), sched.AnchorDay)
	if !nextAnchor.After(start) {
		nextAnchor = utils.DateOnDay(start.Year(), start.Month()+1, sched.AnchorDay)
	}
	alignedStart := utils.AddMonths(nextAnchor, -months, sched.AnchorDay)

	period.End = nextAnchor
	period.FullDays = utils.DaysBetween(alignedStart, nextAnchor)
	period.BilledDays = utils.DaysBetween(start, nextAnchor)
	period.Amount = Prorate(sched.Amount, period.BilledDays, period.FullDays, sched.Currency)
	period.Prorated = true
	return period, nil
}

// Prorate returns round_half_up(full * billed / total) in the currency's
// minor unit, clamped to [0, full].
func Prorate(full decimal.Decimal, billed, total int, currency string) decimal.Decimal {
	if total <= 0 || billed >= total {
		return models.RoundToMinor(full, currency)
	}
	if billed <= 0 || !full.IsPositive() {
		return decimal.Zero
	}
	share := full.Mul(decimal.NewFromInt(int64(billed))).Div(decimal.NewFromInt(int64(total)))
	return decimal.Min(models.RoundToMinor(share, currency), models.RoundToMinor(full, currency))
}

func onAnchor(d time.Time, anchorDay int) bool {
	return d.Equal(utils.DateOnDay(d.Year(), d.Month(), anchorDay))
}

func intervalMonths(sched *models.DuesSchedule, table map[models.BillingFrequency]int) (int, error) {
	if sched.Frequency == models.FrequencyCustom {
		if sched.IntervalMonths <= 0 {
			return 0, ierr.NewErrorf("schedule %s has a custom frequency without interval", sched.ID).
				Mark(ierr.ErrValidation)
		}
		return sched.IntervalMonths, nil
	}
	months, ok := table[sched.Frequency]
	if !ok || months <= 0 {
		return 0, ierr.NewErrorf("no interval configured for frequency %q", sched.Frequency).
			WithHint("Check FREQUENCY_INTERVALS").
			Mark(ierr.ErrFatal)
	}
	return months, nil
}
