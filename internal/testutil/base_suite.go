package testutil

import (
	"context"
	"io"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// Stores holds the in-memory stores for one test.
type Stores struct {
	Schedules   *InMemoryScheduleStore
	Mandates    *InMemoryMandateStore
	Ledger      *InMemoryLedger
	Batches     *InMemoryBatchStore
	Escalations *InMemoryEscalationStore
	Audit       *InMemoryAuditStore
	Policies    *InMemoryPolicyStore
	Files       *InMemoryFileStore
}

// Valid test bank details.
const (
	TestIBAN     = "DE89370400440532013000"
	TestBIC      = "COBADEFFXXX"
	CreditorIBAN = "NL91ABNA0417164300"
	CreditorID   = "NL98ZZZ999999999999"
)

// BaseSuite gives every service test fresh stores, fakes and a run policy.
type BaseSuite struct {
	suite.Suite
	Ctx       context.Context
	Stores    Stores
	Publisher *RecordingPublisher
	Bank      *FakeBank
	Alerter   *FakeAlerter
	Metrics   *metrics.Metrics
	Audit     *audit.SystemWriter
	Log       *logrus.Logger
	Run       config.RunSettings
	Now       time.Time
}

func (s *BaseSuite) SetupTest() {
	s.Ctx = context.Background()
	s.Log = logrus.New()
	s.Log.SetOutput(io.Discard)
	s.Now = time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC)
	s.Stores = Stores{
		Schedules:   NewInMemoryScheduleStore(),
		Mandates:    NewInMemoryMandateStore(),
		Ledger:      NewInMemoryLedger(),
		Batches:     NewInMemoryBatchStore(),
		Escalations: NewInMemoryEscalationStore(),
		Audit:       NewInMemoryAuditStore(),
		Policies:    NewInMemoryPolicyStore(),
		Files:       NewInMemoryFileStore(),
	}
	s.Stores.Policies.Today = s.Clock
	s.Stores.Batches.Now = s.Clock
	s.Publisher = NewRecordingPublisher()
	s.Bank = NewFakeBank()
	s.Alerter = &FakeAlerter{}
	s.Metrics = metrics.New()
	s.Audit = audit.NewSystemWriter(s.Stores.Audit, s.Log)
	s.Run = config.DefaultBilling().RunSettings()
}

// Clock returns the suite's pinned time.
func (s *BaseSuite) Clock() time.Time {
	return s.Now
}

func (s *BaseSuite) Creditor() sepa.Creditor {
	return sepa.Creditor{Name: "Vereniging Test", IBAN: CreditorIBAN, BIC: "ABNANL2A", CreditorID: CreditorID}
}

// Day is a shorthand for a UTC calendar date.
func Day(year int, month time.Month, day int) time.Time {
	return utils.Date(year, month, day)
}

func EUR(amount string) decimal.Decimal {
	return decimal.RequireFromString(amount)
}

// AddMandate stores an active mandate with valid bank details.
func (s *BaseSuite) AddMandate(id, memberID string) *models.Mandate {
	m := &models.Mandate{
		ID:            id,
		MemberID:      memberID,
		Reference:     "REF-" + id,
		IBAN:          TestIBAN,
		BIC:           TestBIC,
		AccountHolder: "Holder " + memberID,
		Status:        models.MandateActive,
		SignedAt:      Day(2023, time.December, 1),
	}
	s.Require().NoError(s.Stores.Mandates.Create(s.Ctx, m))
	return m
}

// AddInvoice stores an unpaid EUR invoice.
func (s *BaseSuite) AddInvoice(id, memberID, amount string, due time.Time) *models.Invoice {
	inv := &models.Invoice{
		ID:          id,
		ScheduleID:  "sch_" + memberID,
		MemberID:    memberID,
		PeriodStart: due,
		PeriodEnd:   due.AddDate(0, 1, 0),
		Amount:      EUR(amount),
		Currency:    "EUR",
		DueDate:     due,
		Status:      models.InvoiceUnpaid,
	}
	s.Stores.Ledger.Add(inv)
	return inv
}

// AddSchedule stores an active monthly EUR schedule starting on start.
func (s *BaseSuite) AddSchedule(id, memberID, amount string, start time.Time) *models.DuesSchedule {
	sched := &models.DuesSchedule{
		ID:              id,
		MemberID:        memberID,
		Frequency:       models.FrequencyMonthly,
		Amount:          EUR(amount),
		Currency:        "EUR",
		NextInvoiceDate: start,
		Status:          models.ScheduleActive,
		AnchorDay:       start.Day(),
	}
	s.Require().NoError(s.Stores.Schedules.Create(s.Ctx, sched))
	return sched
}
