package service

import (
	"testing"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.BatchStatus
		want     bool
	}{
		{models.BatchDraft, models.BatchGenerated, true},
		{models.BatchGenerated, models.BatchSubmitted, true},
		{models.BatchSubmitted, models.BatchProcessed, true},
		{models.BatchSubmitted, models.BatchFailed, true},
		{models.BatchDraft, models.BatchSubmitted, false},
		{models.BatchGenerated, models.BatchDraft, false},
		{models.BatchGenerated, models.BatchFailed, false},
		{models.BatchProcessed, models.BatchSubmitted, false},
		{models.BatchFailed, models.BatchDraft, false},
		{models.BatchProcessed, models.BatchFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			err := ValidateTransition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.True(t, ierr.IsInvalidTransition(err))
			}
		})
	}
}

type WorkflowSuite struct {
	collectionSuite
}

func TestWorkflow(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

// twoLineBatch returns a submitted batch for mem_1 and mem_2.
func (s *WorkflowSuite) twoLineBatch() *models.Batch {
	s.AddMandate("mdt_1", "mem_1")
	s.AddMandate("mdt_2", "mem_2")
	return s.submitted(
		s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1)),
		s.AddInvoice("inv_2", "mem_2", "12.50", testutil.Day(2024, time.January, 1)),
	)
}

func lineFor(b *models.Batch, invoiceID string) *models.BatchLine {
	for _, l := range b.Lines {
		if l.InvoiceID == invoiceID {
			return l
		}
	}
	return nil
}

func (s *WorkflowSuite) invoiceStatus(id string) models.InvoiceStatus {
	inv, err := s.Stores.Ledger.GetInvoice(s.Ctx, id)
	s.Require().NoError(err)
	return inv.Status
}

func (s *WorkflowSuite) TestCleanReportProcessesBatch() {
	b := s.twoLineBatch()
	s.Publisher.Reset()

	res, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{MessageID: b.MessageID})
	s.Require().NoError(err)
	s.Equal(models.BatchProcessed, res.Status)
	s.Equal(2, res.Cleared)
	s.Zero(res.Returned)
	s.False(res.Duplicate)

	stored := s.batch(b.ID)
	s.Equal(models.BatchProcessed, stored.Status)
	for _, l := range stored.Lines {
		s.Equal(models.LineCleared, l.Status)
	}
	s.Equal(models.InvoicePaid, s.invoiceStatus("inv_1"))
	s.Equal(models.InvoicePaid, s.invoiceStatus("inv_2"))
	s.Empty(s.Stores.Batches.Claims())

	m, err := s.Stores.Mandates.Get(s.Ctx, "mdt_1")
	s.Require().NoError(err)
	s.Require().NotNil(m.FirstCollectedAt)
	s.Equal(models.SequenceRecurring, m.SequenceType())

	s.Len(s.Publisher.On(events.TopicBatchTransition), 1)
	s.Contains(s.Stores.Audit.Actions(b.ID), "batch_processed")
}

func (s *WorkflowSuite) TestReturnedLineKeepsInvoiceUnpaid() {
	b := s.twoLineBatch()
	returned := lineFor(b, "inv_2")

	res, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{
		MessageID: b.MessageID,
		Lines: []models.LineResult{
			{EndToEndID: lineFor(b, "inv_1").EndToEndID},
			{EndToEndID: returned.EndToEndID, Returned: true, ReturnCode: "AM04"},
		},
	})
	s.Require().NoError(err)
	s.Equal(models.BatchProcessed, res.Status)
	s.Equal(1, res.Cleared)
	s.Equal(1, res.Returned)

	line := lineFor(s.batch(b.ID), "inv_2")
	s.Equal(models.LineReturned, line.Status)
	s.Require().NotNil(line.ReasonCode)
	s.Equal("AM04", *line.ReasonCode)
	s.Equal("Insufficient funds", *line.Reason)

	s.Equal(models.InvoicePaid, s.invoiceStatus("inv_1"))
	s.Equal(models.InvoiceUnpaid, s.invoiceStatus("inv_2"))

	// A returned FRST collection does not turn the mandate into RCUR.
	m, err := s.Stores.Mandates.Get(s.Ctx, "mdt_2")
	s.Require().NoError(err)
	s.Nil(m.FirstCollectedAt)

	payloads := s.Publisher.On(events.TopicBatchLineReturned)
	s.Require().Len(payloads, 1)
	ev := payloads[0].(events.LineReturned)
	s.Equal("inv_2", ev.InvoiceID)
	s.Equal("AM04", ev.ReturnCode)
}

func (s *WorkflowSuite) TestRejectedReportFailsBatchAndFreesInvoices() {
	b := s.twoLineBatch()

	res, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{
		MessageID:       b.MessageID,
		Rejected:        true,
		RejectionCode:   "FF01",
		RejectionReason: "invalid file format",
	})
	s.Require().NoError(err)
	s.Equal(models.BatchFailed, res.Status)

	stored := s.batch(b.ID)
	s.Equal(models.BatchFailed, stored.Status)
	s.Require().NotNil(stored.LastError)
	s.Equal("invalid file format", *stored.LastError)
	for _, l := range stored.Lines {
		s.Equal(models.LineAccepted, l.Status)
	}
	s.Equal(models.InvoiceUnpaid, s.invoiceStatus("inv_1"))
	s.Empty(s.Stores.Batches.Claims())

	batched, err := s.Stores.Batches.BatchedInvoices(s.Ctx, []string{"inv_1", "inv_2"})
	s.Require().NoError(err)
	s.Empty(batched)
	s.Contains(s.Stores.Audit.Actions(b.ID), "batch_failed")
}

func (s *WorkflowSuite) TestDuplicateReportIsIgnored() {
	b := s.twoLineBatch()
	report := &models.SettlementReport{MessageID: b.MessageID}

	_, err := s.workflow.ApplyReport(s.Ctx, report)
	s.Require().NoError(err)
	s.Publisher.Reset()

	res, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{MessageID: b.MessageID, Rejected: true})
	s.Require().NoError(err)
	s.True(res.Duplicate)
	s.Equal(models.BatchProcessed, res.Status)
	s.Equal(models.BatchProcessed, s.batch(b.ID).Status)
	s.Empty(s.Publisher.On(events.TopicBatchTransition))
}

func (s *WorkflowSuite) TestUnknownTransactionsAreEscalated() {
	b := s.twoLineBatch()

	res, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{
		MessageID: b.MessageID,
		Lines:     []models.LineResult{{EndToEndID: "E2E-UNKNOWN", Returned: true, ReturnCode: "AC04"}},
	})
	s.Require().NoError(err)
	s.Equal([]string{"E2E-UNKNOWN"}, res.Unmatched)
	s.Equal(2, res.Cleared)
	s.Equal([]models.EscalationKind{models.EscalationReconciliation}, s.Stores.Escalations.Kinds())
	s.Equal(1, s.Alerter.Count())
}

func (s *WorkflowSuite) TestReportForUnsubmittedBatchIsRejected() {
	s.AddMandate("mdt_1", "mem_1")
	b := s.generated(s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1)))

	_, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{MessageID: b.MessageID})
	s.Require().Error(err)
	s.True(ierr.IsInvalidTransition(err))
	s.Equal(models.BatchGenerated, s.batch(b.ID).Status)
}

func (s *WorkflowSuite) TestReportForUnknownMessage() {
	_, err := s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{MessageID: "MSG-NOPE"})
	s.Require().Error(err)
	s.True(ierr.IsNotFound(err))
}

func (s *WorkflowSuite) TestSettlementInvalidatesCachedStatus() {
	b := s.twoLineBatch()
	s.Now = s.Now.AddDate(0, 0, 10)
	st, err := s.statuses.Evaluate(s.Ctx, s.Run, "mem_1", s.Now)
	s.Require().NoError(err)
	s.Equal(models.StatusOverdue, st.Status)

	_, err = s.workflow.ApplyReport(s.Ctx, &models.SettlementReport{MessageID: b.MessageID})
	s.Require().NoError(err)

	_, cached := s.statuses.Cached("mem_1")
	s.False(cached)
	st, err = s.statuses.Evaluate(s.Ctx, s.Run, "mem_1", s.Now)
	s.Require().NoError(err)
	s.Equal(models.StatusCurrent, st.Status)
}
