package service

import (
	"context"
	"strings"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Stage is one named step of the billing pipeline.
type Stage string

const (
	StageGenerate  Stage = "generate"
	StageAssemble  Stage = "assemble"
	StageRender    Stage = "render"
	StageSubmit    Stage = "submit"
	StageReconcile Stage = "reconcile"
	StageClassify  Stage = "classify"
)

// Stages is the fixed execution order of a full run.
var Stages = []Stage{StageGenerate, StageAssemble, StageRender, StageSubmit, StageReconcile, StageClassify}

func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(Stages, st) {
		return "", ierr.NewErrorf("unknown stage %q", s).
			WithHintf("Valid stages: %s", strings.Join(lo.Map(Stages, func(s Stage, _ int) string { return string(s) }), ", ")).
			Mark(ierr.ErrValidation)
	}
	return st, nil
}

// RunReport is the explicit state a run hands from stage to stage and
// finally to whoever triggered it.
type RunReport struct {
	RunID          string                `json:"run_id"`
	AsOf           time.Time             `json:"as_of"`
	CollectionDate time.Time             `json:"collection_date"`
	Stages         []StageReport         `json:"stages"`
	Generation     *GenerationReport     `json:"generation,omitempty"`
	Assembly       *AssemblyResult       `json:"assembly,omitempty"`
	Renders        []*RenderResult       `json:"renders,omitempty"`
	Submission     *SubmissionReport     `json:"submission,omitempty"`
	Reconciliation []*ReconcileResult    `json:"reconciliation,omitempty"`
	Classification *ClassificationReport `json:"classification,omitempty"`
}

type StageReport struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ClassificationReport counts evaluated members by status.
type ClassificationReport struct {
	Evaluated     int                          `json:"evaluated"`
	ByStatus      map[models.PaymentStatus]int `json:"by_status"`
	Notifications []models.NotificationTrigger `json:"notifications,omitempty"`
	Failures      map[string]string            `json:"failures,omitempty"`
}

// Pipeline runs generate, assemble, render, submit, reconcile and classify
// in that order. Each run works on one frozen RunSettings value.
type Pipeline struct {
	dues          *DuesService
	assembler     *Assembler
	renderer      *RenderService
	submitter     *Submitter
	workflow      *Workflow
	statuses      *MemberStatusService
	notifications *NotificationEvaluator
	ledger        repository.Ledger
	batches       repository.BatchStore
	bank          BankChannel
	queue         *OperatorQueue
	metrics       *metrics.Metrics
	log           *logrus.Logger
}

type PipelineDeps struct {
	Dues          *DuesService
	Assembler     *Assembler
	Renderer      *RenderService
	Submitter     *Submitter
	Workflow      *Workflow
	Statuses      *MemberStatusService
	Notifications *NotificationEvaluator
	Ledger        repository.Ledger
	Batches       repository.BatchStore
	Bank          BankChannel
	Queue         *OperatorQueue
	Metrics       *metrics.Metrics
	Log           *logrus.Logger
}

func NewPipeline(d PipelineDeps) *Pipeline {
	return &Pipeline{
		dues:          d.Dues,
		assembler:     d.Assembler,
		renderer:      d.Renderer,
		submitter:     d.Submitter,
		workflow:      d.Workflow,
		statuses:      d.Statuses,
		notifications: d.Notifications,
		ledger:        d.Ledger,
		batches:       d.Batches,
		bank:          d.Bank,
		queue:         d.Queue,
		metrics:       d.Metrics,
		log:           d.Log,
	}
}

// Run executes every stage for asOf. A stage error is recorded and the run
// carries on with the next stage; fatal errors and cancellation stop it.
func (p *Pipeline) Run(ctx context.Context, run config.RunSettings, asOf time.Time) (*RunReport, error) {
	report := p.newReport(run, asOf)
	p.log.WithFields(logrus.Fields{"run_id": report.RunID, "as_of": report.AsOf.Format(utils.DateLayout)}).
		Info("Pipeline run started")

	for _, st := range Stages {
		if err := p.runStage(ctx, run, st, report); err != nil {
			if ierr.IsFatal(err) || ctx.Err() != nil {
				return report, err
			}
		}
	}

	p.log.WithField("run_id", report.RunID).Info("Pipeline run finished")
	return report, nil
}

// RunStage executes a single stage, e.g. when an operator triggers it.
func (p *Pipeline) RunStage(ctx context.Context, run config.RunSettings, st Stage, asOf time.Time) (*RunReport, error) {
	report := p.newReport(run, asOf)
	return report, p.runStage(ctx, run, st, report)
}

func (p *Pipeline) newReport(run config.RunSettings, asOf time.Time) *RunReport {
	asOf = utils.Day(asOf)
	return &RunReport{
		RunID:          strings.ToLower(ulid.Make().String()),
		AsOf:           asOf,
		CollectionDate: CollectionDateFor(run, asOf),
	}
}

func (p *Pipeline) runStage(ctx context.Context, run config.RunSettings, st Stage, report *RunReport) error {
	log := p.log.WithFields(logrus.Fields{"run_id": report.RunID, "stage": st})
	started := time.Now()

	var err error
	switch st {
	case StageGenerate:
		report.Generation, err = p.dues.GenerateDueInvoices(ctx, run, report.AsOf)
	case StageAssemble:
		report.Assembly, err = p.assemble(ctx, run, report)
	case StageRender:
		report.Renders, err = p.renderDrafts(ctx, run, log)
	case StageSubmit:
		report.Submission, err = p.submitter.SubmitDue(ctx, run)
	case StageReconcile:
		report.Reconciliation, err = p.reconcile(ctx, log)
	case StageClassify:
		report.Classification, err = p.classify(ctx, run, report.AsOf)
	default:
		err = ierr.NewErrorf("unknown stage %q", st).Mark(ierr.ErrValidation)
	}

	elapsed := time.Since(started)
	p.metrics.StageDuration.WithLabelValues(string(st)).Observe(elapsed.Seconds())
	sr := StageReport{Stage: st, Duration: elapsed}
	if err != nil {
		sr.Error = err.Error()
		log.WithError(err).Error("Stage failed")
	} else {
		log.WithField("duration", elapsed.String()).Info("Stage finished")
	}
	report.Stages = append(report.Stages, sr)
	return err
}

// assemble collects unpaid invoices due by the run's collection date.
func (p *Pipeline) assemble(ctx context.Context, run config.RunSettings, report *RunReport) (*AssemblyResult, error) {
	candidates, err := p.ledger.ListCollectable(ctx, report.CollectionDate)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &AssemblyResult{}, nil
	}
	return p.assembler.Assemble(ctx, run, report.CollectionDate, candidates)
}

// renderDrafts renders every draft batch. Lines that fail validation are
// dropped from the draft and the rest is rendered again; a draft that still
// cannot be generated goes to the operator queue.
func (p *Pipeline) renderDrafts(ctx context.Context, run config.RunSettings, log *logrus.Entry) ([]*RenderResult, error) {
	drafts, err := p.batches.List(ctx, models.BatchDraft)
	if err != nil {
		return nil, err
	}
	var out []*RenderResult
	for _, b := range drafts {
		res, err := p.renderDraft(ctx, run, b, log.WithField("batch_id", b.ID))
		if err != nil {
			if ierr.IsFatal(err) || (res == nil && !ierr.IsValidation(err)) {
				return out, err
			}
			log.WithError(err).WithField("batch_id", b.ID).Warn("Draft not rendered")
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

func (p *Pipeline) renderDraft(ctx context.Context, run config.RunSettings, b *models.Batch, log *logrus.Entry) (*RenderResult, error) {
	res, err := p.renderer.Render(ctx, run, b.ID)
	if err == nil || res == nil || len(res.Failures) == 0 {
		return res, err
	}
	failures := res.Failures

	kept, err := p.assembler.DropFailedLines(ctx, b.ID, failures)
	if err != nil {
		return res, p.escalateDraft(ctx, b, "failing lines could not be dropped: %v", err)
	}
	left := len(kept.AcceptedLines())
	log.WithFields(logrus.Fields{"dropped": len(failures), "left": left}).Warn("Dropped failing lines from draft")
	if left == 0 {
		return res, p.escalateDraft(ctx, b, "every line failed validation: %s", failures[0].Reason)
	}

	res, err = p.renderer.Render(ctx, run, b.ID)
	if err != nil {
		if res == nil {
			res = &RenderResult{Batch: kept}
		}
		res.Failures = append(failures, res.Failures...)
		if ierr.IsFatal(err) {
			return res, err
		}
		return res, p.escalateDraft(ctx, b, "draft still fails after dropping %d lines: %v", len(failures), err)
	}
	res.Failures = failures
	return res, nil
}

// escalateDraft hands a draft that cannot be generated to the operator. The
// returned error is only set when the escalation itself failed.
func (p *Pipeline) escalateDraft(ctx context.Context, b *models.Batch, format string, args ...any) error {
	return p.queue.Escalate(ctx, models.EscalationBatchGeneration, b.ID,
		"draft %s (%s) for %s: "+format,
		append([]any{b.ID, b.MessageID, b.CollectionDate.Format(utils.DateLayout)}, args...)...)
}

// reconcile pulls pending status reports from the bank and applies them.
// A report that cannot be applied goes to the operator queue.
func (p *Pipeline) reconcile(ctx context.Context, log *logrus.Entry) ([]*ReconcileResult, error) {
	reports, err := p.bank.FetchReports(ctx)
	if err != nil {
		return nil, err
	}
	var out []*ReconcileResult
	for _, r := range reports {
		res, err := p.workflow.ApplyReport(ctx, r)
		if err != nil {
			log.WithError(err).WithField("message_id", r.MessageID).Error("Report not applied")
			if qerr := p.queue.Escalate(ctx, models.EscalationReconciliation, r.MessageID,
				"status report for %s could not be applied: %v", r.MessageID, err); qerr != nil {
				return out, qerr
			}
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// classify evaluates every member with an unpaid invoice due within the
// reminder horizon and raises the notifications that fire today.
func (p *Pipeline) classify(ctx context.Context, run config.RunSettings, today time.Time) (*ClassificationReport, error) {
	horizon := 0
	for _, r := range run.NotificationRules {
		if -r.DayOffset > horizon {
			horizon = -r.DayOffset
		}
	}
	invoices, err := p.ledger.ListCollectable(ctx, today.AddDate(0, 0, horizon))
	if err != nil {
		return nil, err
	}

	report := &ClassificationReport{ByStatus: map[models.PaymentStatus]int{}}
	for _, memberID := range lo.Uniq(lo.Map(invoices, func(inv *models.Invoice, _ int) string { return inv.MemberID })) {
		st, err := p.statuses.Evaluate(ctx, run, memberID, today)
		if err != nil {
			if report.Failures == nil {
				report.Failures = map[string]string{}
			}
			report.Failures[memberID] = err.Error()
			continue
		}
		report.Evaluated++
		report.ByStatus[st.Status]++
		report.Notifications = append(report.Notifications, p.notifications.Notify(ctx, run.NotificationRules, *st)...)
	}
	return report, nil
}
