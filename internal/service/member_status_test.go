package service

import (
	"testing"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/testutil"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type MemberStatusSuite struct {
	testutil.BaseSuite
	statuses *MemberStatusService
	policies *PolicyService
}

func TestMemberStatus(t *testing.T) {
	suite.Run(t, new(MemberStatusSuite))
}

func (s *MemberStatusSuite) SetupTest() {
	s.BaseSuite.SetupTest()
	s.statuses = NewMemberStatusService(s.Stores.Ledger, s.Stores.Policies, s.Publisher, s.Metrics, s.Log)
	s.policies = NewPolicyService(s.Stores.Policies, s.statuses, s.Log)
}

// evaluateOn moves the suite clock to day and evaluates mem_1.
func (s *MemberStatusSuite) evaluateOn(day time.Time) *models.MemberStatus {
	s.Now = day
	st, err := s.statuses.Evaluate(s.Ctx, s.Run, "mem_1", day)
	s.Require().NoError(err)
	return st
}

func (s *MemberStatusSuite) changes() []events.MemberStatusChanged {
	return lo.Map(s.Publisher.On(events.TopicMemberStatusChanged), func(p any, _ int) events.MemberStatusChanged {
		return p.(events.MemberStatusChanged)
	})
}

func (s *MemberStatusSuite) TestNoUnpaidInvoicesIsCurrent() {
	st := s.evaluateOn(testutil.Day(2024, time.March, 1))
	s.Equal(models.StatusCurrent, st.Status)
	s.Nil(st.OldestDue)
	s.Empty(s.changes())
}

func (s *MemberStatusSuite) TestOldestUnpaidInvoiceDrivesStatus() {
	s.AddInvoice("inv_new", "mem_1", "25.00", testutil.Day(2024, time.February, 1))
	s.AddInvoice("inv_old", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	st := s.evaluateOn(testutil.Day(2024, time.February, 5))
	s.Equal(models.StatusSeriouslyOverdue, st.Status)
	s.Equal(35, st.DaysOverdue)
	s.Equal(testutil.Day(2024, time.January, 1), *st.OldestDue)
	s.Equal(30, st.GraceDays)
}

func (s *MemberStatusSuite) TestPublishesOnlyOnChange() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))

	s.evaluateOn(testutil.Day(2024, time.January, 5))
	s.evaluateOn(testutil.Day(2024, time.January, 6))
	s.evaluateOn(testutil.Day(2024, time.January, 20))

	changes := s.changes()
	s.Require().Len(changes, 2)
	s.Equal("", changes[0].From)
	s.Equal("late", changes[0].To)
	s.Equal("late", changes[1].From)
	s.Equal("overdue", changes[1].To)
	s.Equal(19, changes[1].DaysOverdue)
}

func (s *MemberStatusSuite) TestPaymentPlanCapsAtOverdue() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	until := testutil.Day(2024, time.June, 30)
	_, err := s.policies.Set(s.Ctx, "mem_1", models.SetMemberPolicyRequest{GraceTier: models.GraceStandard, PaymentPlanUntil: &until})
	s.Require().NoError(err)

	st := s.evaluateOn(testutil.Day(2024, time.May, 1))
	s.Equal(models.StatusOverdue, st.Status)
	s.True(st.PaymentPlan)
	s.Equal(InfiniteGrace, st.GraceDays)

	st = s.evaluateOn(testutil.Day(2024, time.July, 1))
	s.Equal(models.StatusSuspended, st.Status)
	s.False(st.PaymentPlan)
}

func (s *MemberStatusSuite) TestGraceTierWidensOverdueWindow() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	day := testutil.Day(2024, time.February, 15)

	s.Equal(models.StatusSeriouslyOverdue, s.evaluateOn(day).Status)

	_, err := s.policies.Set(s.Ctx, "mem_1", models.SetMemberPolicyRequest{GraceTier: models.GraceExtended})
	s.Require().NoError(err)
	_, cached := s.statuses.Cached("mem_1")
	s.False(cached)

	st := s.evaluateOn(day)
	s.Equal(models.StatusOverdue, st.Status)
	s.Equal(60, st.GraceDays)
}

func (s *MemberStatusSuite) TestUnknownTierFallsBackToStandard() {
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	s.Require().NoError(s.Stores.Policies.Upsert(s.Ctx, &models.MemberPolicy{MemberID: "mem_1", GraceTier: "vip"}))

	st := s.evaluateOn(testutil.Day(2024, time.January, 20))
	s.Equal(30, st.GraceDays)
}

func TestEvaluateNotificationRules(t *testing.T) {
	rules := config.DefaultBilling().RunSettings().NotificationRules
	due := testutil.Day(2024, time.January, 1)

	status := func(days, grace int) models.MemberStatus {
		return models.MemberStatus{
			MemberID:    "mem_1",
			Status:      ClassifyDays(days, grace),
			DaysOverdue: days,
			OldestDue:   &due,
			GraceDays:   grace,
		}
	}
	templates := func(st models.MemberStatus) []string {
		return lo.Map(Evaluate(rules, st), func(t models.NotificationTrigger, _ int) string { return t.Template })
	}

	tests := []struct {
		name  string
		days  int
		grace int
		want  []string
	}{
		{name: "a week before due", days: -7, grace: 30, want: []string{"dues_upcoming"}},
		{name: "due today", days: 0, grace: 30, want: nil},
		{name: "first late day", days: 1, grace: 30, want: []string{"payment_reminder_friendly"}},
		{name: "two weeks", days: 14, grace: 30, want: []string{"payment_reminder_urgent"}},
		{name: "first day after grace", days: 31, grace: 30, want: []string{"payment_reminder_final"}},
		{name: "suspension", days: 61, grace: 30, want: []string{"membership_suspended"}},
		{name: "extended grace shifts final reminder", days: 61, grace: 60, want: []string{"payment_reminder_final"}},
		{name: "between rules", days: 20, grace: 30, want: nil},
		{name: "payment plan never reaches grace rules", days: 31, grace: InfiniteGrace, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, templates(status(tt.days, tt.grace)))
		})
	}

	assert.Empty(t, Evaluate(rules, models.MemberStatus{MemberID: "mem_1", Status: models.StatusCurrent}))
}

func (s *MemberStatusSuite) TestNotifyPublishesTriggers() {
	n := NewNotificationEvaluator(s.Publisher, s.Metrics, s.Log)
	s.AddInvoice("inv_1", "mem_1", "25.00", testutil.Day(2024, time.January, 1))
	st := s.evaluateOn(testutil.Day(2024, time.January, 15))

	triggers := n.Notify(s.Ctx, s.Run.NotificationRules, *st)
	s.Require().Len(triggers, 1)
	s.Equal("payment_reminder_urgent", triggers[0].Template)

	published := s.Publisher.On(events.TopicNotificationTriggered)
	s.Require().Len(published, 1)
	s.Equal(triggers[0], published[0].(models.NotificationTrigger))
}
