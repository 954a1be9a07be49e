package service

import (
	"testing"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/testutil"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type AssemblerSuite struct {
	testutil.BaseSuite
	assembler *Assembler
}

func TestAssembler(t *testing.T) {
	suite.Run(t, new(AssemblerSuite))
}

func (s *AssemblerSuite) SetupTest() {
	s.BaseSuite.SetupTest()
	s.assembler = NewAssembler(s.Stores.Batches, s.Stores.Mandates, s.Metrics, s.Audit, s.Log).WithClock(s.Clock)
}

// collectionDate is five business days after Wednesday 2024-01-10.
func (s *AssemblerSuite) collectionDate() time.Time {
	return CollectionDateFor(s.Run, s.Now)
}

func (s *AssemblerSuite) TestCollectionDates() {
	s.Equal(testutil.Day(2024, time.January, 12), EarliestCollectionDate(s.Run, s.Now))
	s.Equal(testutil.Day(2024, time.January, 17), s.collectionDate())
}

func (s *AssemblerSuite) TestBuildsDraftFromValidCandidates() {
	s.AddMandate("mdt_1", "mem_1")
	s.AddMandate("mdt_2", "mem_2")
	inv1 := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	inv2 := s.AddInvoice("inv_2", "mem_2", "12.50", testutil.Day(2024, time.January, 1))

	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv1, inv2})
	s.Require().NoError(err)
	s.Require().NotNil(res.Batch)
	s.Empty(res.Rejected)

	b := res.Batch
	s.Equal(models.BatchDraft, b.Status)
	s.Equal("37.50", b.TotalAmount.StringFixed(2))
	s.Equal(2, b.TotalTransactions)
	s.Equal(s.collectionDate(), b.CollectionDate)
	for _, l := range b.Lines {
		s.Equal(models.SequenceFirst, l.SequenceType)
		s.Equal(models.LineAccepted, l.Status)
		s.NotEmpty(l.EndToEndID)
	}

	stored, err := s.Stores.Batches.Get(s.Ctx, b.ID)
	s.Require().NoError(err)
	s.Len(stored.Lines, 2)
	s.Equal([]string{"batch_assembled"}, s.Stores.Audit.Actions(b.ID))
}

func (s *AssemblerSuite) TestInsufficientNoticeFailsWholeBatch() {
	s.AddMandate("mdt_1", "mem_1")
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	_, err := s.assembler.Assemble(s.Ctx, s.Run, testutil.Day(2024, time.January, 11), []*models.Invoice{inv})
	s.Require().Error(err)
	s.True(ierr.IsBusinessRule(err))
	s.Contains(ierr.HintOf(err), "2024-01-12")

	batches, err := s.Stores.Batches.List(s.Ctx, "")
	s.Require().NoError(err)
	s.Empty(batches)
}

func (s *AssemblerSuite) TestCollectionDateMustBeBusinessDay() {
	s.AddMandate("mdt_1", "mem_1")
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	_, err := s.assembler.Assemble(s.Ctx, s.Run, testutil.Day(2024, time.January, 20), []*models.Invoice{inv})
	s.True(ierr.IsBusinessRule(err))

	s.Run.Calendar = utils.NewBusinessCalendar([]time.Time{testutil.Day(2024, time.January, 17)})
	_, err = s.assembler.Assemble(s.Ctx, s.Run, testutil.Day(2024, time.January, 17), []*models.Invoice{inv})
	s.True(ierr.IsBusinessRule(err))
}

func (s *AssemblerSuite) TestSecondInvoiceOnSameMandateIsRejected() {
	s.AddMandate("M1", "mem_1")
	inv1 := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	inv2 := s.AddInvoice("inv_2", "mem_1", "25.00", testutil.Day(2024, time.February, 1))

	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv1, inv2})
	s.Require().NoError(err)
	s.Require().Len(res.Accepted, 1)
	s.Equal("inv_1", res.Accepted[0].InvoiceID)
	s.Require().Len(res.Rejected, 1)
	s.Equal("inv_2", res.Rejected[0].InvoiceID)
	s.Equal(models.ReasonDuplicateMandate, res.Rejected[0].Code)
	s.Equal("M1", res.Rejected[0].MandateID)
	s.Equal("25.00", res.Batch.TotalAmount.StringFixed(2))
}

func (s *AssemblerSuite) TestLineRejectionReasons() {
	s.AddMandate("mdt_ok", "mem_ok")
	s.AddMandate("mdt_suspended", "mem_suspended")
	s.Require().NoError(s.Stores.Mandates.UpdateStatus(s.Ctx, "mdt_suspended", models.MandateSuspended))
	s.AddMandate("mdt_busy", "mem_busy")
	s.Stores.Batches.Put(&models.Batch{
		ID: "bat_open", MessageID: "DUES-OPEN", Status: models.BatchSubmitted,
		Lines: []*models.BatchLine{{ID: "bln_open", InvoiceID: "inv_old", MandateID: "mdt_busy", Status: models.LineAccepted}},
	})
	s.AddMandate("mdt_batched", "mem_batched")
	s.Stores.Batches.Put(&models.Batch{
		ID: "bat_draft", MessageID: "DUES-DRAFT", Status: models.BatchDraft,
		Lines: []*models.BatchLine{{ID: "bln_draft", InvoiceID: "inv_batched", MandateID: "mdt_batched", Status: models.LineAccepted}},
	})

	due := testutil.Day(2024, time.January, 1)
	paid := s.AddInvoice("inv_paid", "mem_ok", "25.00", due)
	paid.Status = models.InvoicePaid
	zero := s.AddInvoice("inv_zero", "mem_ok", "0.00", due)
	fraction := s.AddInvoice("inv_fraction", "mem_ok", "10.005", due)
	chf := s.AddInvoice("inv_chf", "mem_ok", "10.00", due)
	chf.Currency = "CHF"
	noMandate := s.AddInvoice("inv_nomandate", "mem_none", "10.00", due)
	suspended := s.AddInvoice("inv_suspended", "mem_suspended", "10.00", due)
	busy := s.AddInvoice("inv_busy", "mem_busy", "10.00", due)
	batched := s.AddInvoice("inv_batched", "mem_batched", "10.00", due)
	ok := s.AddInvoice("inv_ok", "mem_ok", "10.00", due)

	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(),
		[]*models.Invoice{paid, zero, fraction, chf, noMandate, suspended, busy, batched, ok})
	s.Require().NoError(err)

	codes := map[string]string{}
	for _, r := range res.Rejected {
		codes[r.InvoiceID] = r.Code
	}
	s.Equal(map[string]string{
		"inv_paid":      models.ReasonNotCollectable,
		"inv_zero":      models.ReasonInvalidAmount,
		"inv_fraction":  models.ReasonInvalidAmount,
		"inv_chf":       models.ReasonCurrencyMismatch,
		"inv_nomandate": models.ReasonNoMandate,
		"inv_suspended": models.ReasonMandateInactive,
		"inv_busy":      models.ReasonMandateInOpenBatch,
		"inv_batched":   models.ReasonAlreadyBatched,
	}, codes)
	s.Require().Len(res.Accepted, 1)
	s.Equal("inv_ok", res.Accepted[0].InvoiceID)
}

func (s *AssemblerSuite) TestRecurringSequenceAfterFirstCollection() {
	s.AddMandate("mdt_1", "mem_1")
	s.Require().NoError(s.Stores.Mandates.MarkFirstCollected(s.Ctx, "mdt_1", s.Now))
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv})
	s.Require().NoError(err)
	s.Equal(models.SequenceRecurring, res.Accepted[0].SequenceType)
}

func (s *AssemblerSuite) TestNoAcceptedLinesCreatesNoBatch() {
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv})
	s.Require().NoError(err)
	s.Nil(res.Batch)
	s.Len(res.Rejected, 1)
}

func (s *AssemblerSuite) TestExcludeLines() {
	s.AddMandate("mdt_1", "mem_1")
	s.AddMandate("mdt_2", "mem_2")
	inv1 := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	inv2 := s.AddInvoice("inv_2", "mem_2", "10.00", testutil.Day(2024, time.January, 1))
	res, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv1, inv2})
	s.Require().NoError(err)

	b, err := s.assembler.ExcludeLines(s.Ctx, res.Batch.ID, []string{res.Accepted[0].ID}, "member disputes amount")
	s.Require().NoError(err)
	s.Equal("10.00", b.TotalAmount.StringFixed(2))
	s.Equal(1, b.TotalTransactions)

	stored, err := s.Stores.Batches.Get(s.Ctx, b.ID)
	s.Require().NoError(err)
	s.Len(stored.AcceptedLines(), 1)
	s.Equal(models.LineRejected, stored.Lines[0].Status)
	s.Equal(models.ReasonExcludedByOperator, *stored.Lines[0].ReasonCode)

	_, err = s.assembler.ExcludeLines(s.Ctx, b.ID, []string{"bln_unknown"}, "x")
	s.True(ierr.IsValidation(err))
}

func (s *AssemblerSuite) TestExcludeLinesNeedsDraft() {
	s.Stores.Batches.Put(&models.Batch{ID: "bat_1", MessageID: "DUES-1", Status: models.BatchGenerated})
	_, err := s.assembler.ExcludeLines(s.Ctx, "bat_1", []string{"bln_1"}, "x")
	s.True(ierr.IsInvalidTransition(err))
}

func (s *AssemblerSuite) TestConcurrentAssembliesBatchInvoiceOnce() {
	s.AddMandate("mdt_1", "mem_1")
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	other := NewAssembler(s.Stores.Batches, s.Stores.Mandates, s.Metrics, s.Audit, s.Log).WithClock(s.Clock)

	results := make([]*AssemblyResult, 6)
	errs := make([]error, len(results))
	var wg conc.WaitGroup
	for i := range results {
		a := s.assembler
		if i%2 == 1 {
			a = other
		}
		wg.Go(func() {
			results[i], errs[i] = a.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv})
		})
	}
	wg.Wait()

	created := 0
	for i, res := range results {
		s.Require().NoError(errs[i])
		if res.Batch != nil {
			created++
			continue
		}
		s.Require().Len(res.Rejected, 1)
		s.Equal(models.ReasonAlreadyBatched, res.Rejected[0].Code)
	}
	s.Equal(1, created)

	batches, err := s.Stores.Batches.List(s.Ctx, models.BatchDraft)
	s.Require().NoError(err)
	s.Len(batches, 1)
}

func (s *AssemblerSuite) TestStoreRefusesInvoiceInOpenDraft() {
	s.AddMandate("mdt_1", "mem_1")
	inv := s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	_, err := s.assembler.Assemble(s.Ctx, s.Run, s.collectionDate(), []*models.Invoice{inv})
	s.Require().NoError(err)

	err = s.Stores.Batches.CreateDraft(s.Ctx, &models.Batch{
		ID:             "bat_dup",
		MessageID:      "DUES-DUP",
		CollectionDate: s.collectionDate(),
		Status:         models.BatchDraft,
		Currency:       "EUR",
		Lines: []*models.BatchLine{{
			ID: "bln_dup", BatchID: "bat_dup", InvoiceID: "inv_1", MandateID: "mdt_1", MemberID: "mem_1",
			Amount: testutil.EUR("25.00"), Status: models.LineAccepted,
		}},
	})
	s.Require().Error(err)
	s.True(ierr.IsAlreadyExists(err))
}

func TestCollectionDateSkipsHolidays(t *testing.T) {
	run := config.DefaultBilling().RunSettings()
	run.Calendar = utils.NewBusinessCalendar([]time.Time{testutil.Day(2024, time.January, 17)})

	assert.Equal(t, testutil.Day(2024, time.January, 18), CollectionDateFor(run, testutil.Day(2024, time.January, 10)))
}
