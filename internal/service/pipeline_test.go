package service

import (
	"testing"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/testutil"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestParseStage(t *testing.T) {
	st, err := ParseStage(" Render ")
	require.NoError(t, err)
	assert.Equal(t, StageRender, st)

	_, err = ParseStage("collect")
	require.Error(t, err)
	assert.True(t, ierr.IsValidation(err))
	assert.Contains(t, ierr.HintOf(err), "generate, assemble, render, submit, reconcile, classify")
}

type PipelineSuite struct {
	collectionSuite
	pipeline *Pipeline
}

func TestPipeline(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.collectionSuite.SetupTest()
	dues := NewDuesService(s.Stores.Schedules, s.Stores.Ledger, s.queue, s.Publisher, s.Metrics, s.Audit, s.Log).
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	s.pipeline = NewPipeline(PipelineDeps{
		Dues:          dues,
		Assembler:     s.assembler,
		Renderer:      s.renderer,
		Submitter:     s.submitter,
		Workflow:      s.workflow,
		Statuses:      s.statuses,
		Notifications: NewNotificationEvaluator(s.Publisher, s.Metrics, s.Log),
		Ledger:        s.Stores.Ledger,
		Batches:       s.Stores.Batches,
		Bank:          s.Bank,
		Queue:         s.queue,
		Metrics:       s.Metrics,
		Log:           s.Log,
	})
}

func stageNames(r *RunReport) []Stage {
	return lo.Map(r.Stages, func(sr StageReport, _ int) Stage { return sr.Stage })
}

func (s *PipelineSuite) TestFullRunCollectsDueDues() {
	s.AddMandate("mdt_1", "mem_1")
	s.AddSchedule("sch_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	report, err := s.pipeline.Run(s.Ctx, s.Run, s.Now)
	s.Require().NoError(err)
	s.Equal(Stages, stageNames(report))
	for _, sr := range report.Stages {
		s.Empty(sr.Error, "stage %s", sr.Stage)
	}
	s.Equal(testutil.Day(2024, time.January, 10), report.AsOf)
	s.Equal(testutil.Day(2024, time.January, 17), report.CollectionDate)
	s.NotEmpty(report.RunID)

	s.Require().Len(report.Generation.Created, 1)
	inv := report.Generation.Created[0]
	s.Require().NotNil(report.Assembly.Batch)
	s.Require().Len(report.Renders, 1)
	b := report.Assembly.Batch
	s.Equal([]string{b.ID}, report.Submission.Submitted)
	s.Equal(models.BatchSubmitted, s.batch(b.ID).Status)

	s.Equal(1, report.Classification.Evaluated)
	s.Equal(1, report.Classification.ByStatus[models.StatusOverdue])

	s.Bank.Reports = []*models.SettlementReport{{MessageID: b.MessageID}}
	next, err := s.pipeline.RunStage(s.Ctx, s.Run, StageReconcile, s.Now.AddDate(0, 0, 8))
	s.Require().NoError(err)
	s.Require().Len(next.Reconciliation, 1)
	s.Equal(models.BatchProcessed, next.Reconciliation[0].Status)

	paid, err := s.Stores.Ledger.GetInvoice(s.Ctx, inv.ID)
	s.Require().NoError(err)
	s.Equal(models.InvoicePaid, paid.Status)
}

func (s *PipelineSuite) TestSecondRunDoesNotCollectTwice() {
	s.AddMandate("mdt_1", "mem_1")
	s.AddSchedule("sch_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	_, err := s.pipeline.Run(s.Ctx, s.Run, s.Now)
	s.Require().NoError(err)
	report, err := s.pipeline.Run(s.Ctx, s.Run, s.Now)
	s.Require().NoError(err)

	s.Empty(report.Generation.Created)
	s.Nil(report.Assembly.Batch)
	s.Empty(report.Submission.Submitted)
	s.Len(s.Bank.Submitted, 1)

	batches, err := s.Stores.Batches.List(s.Ctx, "")
	s.Require().NoError(err)
	s.Len(batches, 1)
}

func (s *PipelineSuite) TestStageErrorDoesNotStopRun() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	s.Bank.FetchErr = ierr.NewError("report channel down").Mark(ierr.ErrTransient)

	report, err := s.pipeline.Run(s.Ctx, s.Run, s.Now)
	s.Require().NoError(err)
	s.Equal(Stages, stageNames(report))

	errs := lo.SliceToMap(report.Stages, func(sr StageReport) (Stage, string) { return sr.Stage, sr.Error })
	s.Contains(errs[StageReconcile], "report channel down")
	s.Empty(errs[StageClassify])
	s.Equal(1, report.Classification.Evaluated)

	// No mandate: the assembly rejects the only candidate.
	s.Nil(report.Assembly.Batch)
	s.Require().Len(report.Assembly.Rejected, 1)
	s.Equal(models.ReasonNoMandate, report.Assembly.Rejected[0].Code)
}

func (s *PipelineSuite) TestUnappliedReportIsEscalated() {
	s.Bank.Reports = []*models.SettlementReport{{MessageID: "MSG-UNKNOWN"}}

	report, err := s.pipeline.RunStage(s.Ctx, s.Run, StageReconcile, s.Now)
	s.Require().NoError(err)
	s.Empty(report.Reconciliation)
	s.Equal([]models.EscalationKind{models.EscalationReconciliation}, s.Stores.Escalations.Kinds())
}

func (s *PipelineSuite) TestClassifyRaisesNotifications() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 17))
	s.AddInvoice("inv_2", "mem_2", "25.00", testutil.Day(2023, time.December, 27))

	report, err := s.pipeline.RunStage(s.Ctx, s.Run, StageClassify, s.Now)
	s.Require().NoError(err)
	s.Equal(2, report.Classification.Evaluated)

	templates := lo.Map(report.Classification.Notifications, func(t models.NotificationTrigger, _ int) string {
		return t.MemberID + ":" + t.Template
	})
	s.ElementsMatch([]string{"mem_1:dues_upcoming", "mem_2:payment_reminder_urgent"}, templates)
}

func (s *PipelineSuite) TestStaleLineIsDroppedAndRestCollects() {
	s.AddMandate("mdt_1", "mem_1")
	s.AddMandate("mdt_2", "mem_2")
	b := s.draft(
		s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1)),
		s.AddInvoice("inv_2", "mem_2", "12.50", testutil.Day(2024, time.January, 1)),
	)
	s.Require().NoError(s.Stores.Ledger.RecordPayment(s.Ctx, "inv_1", s.Now, "manual"))

	report, err := s.pipeline.Run(s.Ctx, s.Run, s.Now)
	s.Require().NoError(err)
	s.Require().Len(report.Renders, 1)
	s.Require().Len(report.Renders[0].Failures, 1)
	s.Equal("inv_1", report.Renders[0].Failures[0].InvoiceID)
	s.Equal([]string{b.ID}, report.Submission.Submitted)

	stored := s.batch(b.ID)
	s.Equal(models.BatchSubmitted, stored.Status)
	s.Equal("12.50", stored.TotalAmount.StringFixed(2))
	s.Require().Len(stored.AcceptedLines(), 1)
	s.Equal("inv_2", stored.AcceptedLines()[0].InvoiceID)
	for _, l := range stored.Lines {
		if l.InvoiceID == "inv_1" {
			s.Equal(models.LineRejected, l.Status)
			s.Equal(models.ReasonStaleLine, *l.ReasonCode)
		}
	}

	parsed, err := sepa.ParseMessage(s.Bank.Documents[b.MessageID])
	s.Require().NoError(err)
	s.Equal(1, parsed.NumberOfTxs)
	s.Equal("12.50", parsed.Total().StringFixed(2))

	s.Empty(s.Stores.Escalations.Kinds())
	s.Contains(s.Stores.Audit.Actions(b.ID), "lines_dropped")
}

func (s *PipelineSuite) TestDraftWithoutCollectableLinesIsEscalated() {
	s.AddMandate("mdt_1", "mem_1")
	b := s.draft(s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1)))
	s.Require().NoError(s.Stores.Mandates.UpdateStatus(s.Ctx, "mdt_1", models.MandateSuspended))

	report, err := s.pipeline.RunStage(s.Ctx, s.Run, StageRender, s.Now)
	s.Require().NoError(err)
	s.Require().Len(report.Renders, 1)
	s.Require().Len(report.Renders[0].Failures, 1)

	stored := s.batch(b.ID)
	s.Equal(models.BatchDraft, stored.Status)
	s.Empty(stored.AcceptedLines())
	s.Equal([]models.EscalationKind{models.EscalationBatchGeneration}, s.Stores.Escalations.Kinds())
	s.Equal(1, s.Alerter.Count())

	_, err = s.pipeline.RunStage(s.Ctx, s.Run, StageRender, s.Now)
	s.Require().NoError(err)
	s.Len(s.Stores.Escalations.Kinds(), 1)
}

func (s *PipelineSuite) TestClaimConflictFreesInvoiceForLaterBatch() {
	s.AddMandate("mdt_1", "mem_1")
	first := s.draft(s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1)))
	second := s.draft(s.AddInvoice("inv_2", "mem_1", "25.00", testutil.Day(2024, time.January, 8)))
	_, err := s.renderer.Render(s.Ctx, s.Run, first.ID)
	s.Require().NoError(err)

	_, err = s.pipeline.RunStage(s.Ctx, s.Run, StageRender, s.Now)
	s.Require().NoError(err)

	s.Equal(models.BatchDraft, s.batch(second.ID).Status)
	s.Equal([]models.EscalationKind{models.EscalationBatchGeneration}, s.Stores.Escalations.Kinds())
	batched, err := s.Stores.Batches.BatchedInvoices(s.Ctx, []string{"inv_1", "inv_2"})
	s.Require().NoError(err)
	s.Equal(map[string]string{"inv_1": first.ID}, batched)
}
