package service

import (
	"context"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/utils"
	goCache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// MemberPolicy resolves per-member collection policy. Member records live
// outside this service.
type MemberPolicy interface {
	GraceTier(ctx context.Context, memberID string) (models.GraceTier, error)
	HasActivePaymentPlan(ctx context.Context, memberID string) (bool, error)
}

const (
	statusCacheTTL     = 24 * time.Hour
	statusCacheCleanup = time.Hour
)

// MemberStatusService evaluates payment status on demand. The cache only
// serves reads and change detection; it is dropped on invoice, payment and
// return events.
type MemberStatusService struct {
	ledger    repository.Ledger
	policy    MemberPolicy
	cache     *goCache.Cache
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

func NewMemberStatusService(ledger repository.Ledger, policy MemberPolicy, publisher events.Publisher, m *metrics.Metrics, log *logrus.Logger) *MemberStatusService {
	return &MemberStatusService{
		ledger:    ledger,
		policy:    policy,
		cache:     goCache.New(statusCacheTTL, statusCacheCleanup),
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

// Evaluate classifies a member as of today and publishes a status change
// event when the result differs from the last evaluation.
func (s *MemberStatusService) Evaluate(ctx context.Context, run config.RunSettings, memberID string, today time.Time) (*models.MemberStatus, error) {
	today = utils.Day(today)
	unpaid, err := s.ledger.GetUnpaidInvoices(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var oldest *time.Time
	for _, inv := range unpaid {
		if oldest == nil || inv.DueDate.Before(*oldest) {
			due := utils.Day(inv.DueDate)
			oldest = &due
		}
	}

	grace, plan, err := s.graceDays(ctx, run, memberID)
	if err != nil {
		return nil, err
	}

	st := &models.MemberStatus{
		MemberID:     memberID,
		Status:       Classify(oldest, today, grace),
		OldestDue:    oldest,
		GraceDays:    grace,
		PaymentPlan:  plan,
		EvaluatedFor: today,
	}
	if oldest != nil {
		st.DaysOverdue = DaysOverdue(*oldest, today)
	}
	s.metrics.StatusEvaluations.WithLabelValues(string(st.Status)).Inc()

	prev, found := s.Cached(memberID)
	s.cache.Set(memberID, st, goCache.DefaultExpiration)

	changed := (found && prev.Status != st.Status) || (!found && st.Status != models.StatusCurrent)
	if changed {
		ev := events.MemberStatusChanged{
			MemberID:    memberID,
			To:          string(st.Status),
			DaysOverdue: st.DaysOverdue,
			EvaluatedOn: today,
		}
		if found {
			ev.From = string(prev.Status)
		}
		if err := s.publisher.Publish(ctx, events.TopicMemberStatusChanged, ev); err != nil {
			s.log.WithError(err).WithField("member_id", memberID).Warn("Failed to publish status change")
		}
		s.log.WithFields(logrus.Fields{
			"member_id":    memberID,
			"from":         ev.From,
			"to":           ev.To,
			"days_overdue": st.DaysOverdue,
		}).Info("Member payment status changed")
	}
	return st, nil
}

func (s *MemberStatusService) graceDays(ctx context.Context, run config.RunSettings, memberID string) (int, bool, error) {
	plan, err := s.policy.HasActivePaymentPlan(ctx, memberID)
	if err != nil {
		return 0, false, err
	}
	if plan {
		return InfiniteGrace, true, nil
	}
	tier, err := s.policy.GraceTier(ctx, memberID)
	if err != nil {
		return 0, false, err
	}
	days, ok := run.GraceTiers[tier]
	if !ok {
		days = run.GraceTiers[models.GraceStandard]
	}
	return days, false, nil
}

// Cached returns the last evaluation, if any.
func (s *MemberStatusService) Cached(memberID string) (*models.MemberStatus, bool) {
	v, ok := s.cache.Get(memberID)
	if !ok {
		return nil, false
	}
	return v.(*models.MemberStatus), true
}

// Invalidate drops the cached status; the next Evaluate recomputes it from
// the ledger.
func (s *MemberStatusService) Invalidate(memberID string) {
	s.cache.Delete(memberID)
}

// PolicyService records grace tiers and payment plans.
type PolicyService struct {
	store    repository.PolicyStore
	statuses *MemberStatusService
	log      *logrus.Logger
}

func NewPolicyService(store repository.PolicyStore, statuses *MemberStatusService, log *logrus.Logger) *PolicyService {
	return &PolicyService{store: store, statuses: statuses, log: log}
}

func (s *PolicyService) Get(ctx context.Context, memberID string) (*models.MemberPolicy, error) {
	return s.store.Get(ctx, memberID)
}

// Set stores the member's policy and drops the cached status so the next
// evaluation uses the new grace period.
func (s *PolicyService) Set(ctx context.Context, memberID string, req models.SetMemberPolicyRequest) (*models.MemberPolicy, error) {
	p := &models.MemberPolicy{MemberID: memberID, GraceTier: req.GraceTier}
	if req.PaymentPlanUntil != nil {
		until := utils.Day(*req.PaymentPlanUntil)
		p.PaymentPlanUntil = &until
	}
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	s.statuses.Invalidate(memberID)
	s.log.WithFields(logrus.Fields{"member_id": memberID, "grace_tier": p.GraceTier, "payment_plan": p.PaymentPlanUntil != nil}).
		Info("Member policy updated")
	return p, nil
}
