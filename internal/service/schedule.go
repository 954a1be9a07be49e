package service

import (
	"context"
	"strings"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/sirupsen/logrus"
)

// ScheduleService registers dues schedules and keeps the one-primary rule.
type ScheduleService struct {
	store    repository.ScheduleStore
	currency string
	locks    *KeyedMutex
	log      *logrus.Logger
}

func NewScheduleService(store repository.ScheduleStore, currency string, log *logrus.Logger) *ScheduleService {
	return &ScheduleService{store: store, currency: currency, locks: NewKeyedMutex(), log: log}
}

func (s *ScheduleService) Create(ctx context.Context, req models.CreateScheduleRequest) (*models.DuesSchedule, error) {
	if req.Amount.IsNegative() {
		return nil, ierr.NewError("schedule amount must not be negative").Mark(ierr.ErrValidation)
	}
	if req.Frequency == models.FrequencyCustom && req.IntervalMonths <= 0 {
		return nil, ierr.NewError("custom schedules need an interval").
			WithHint("Set interval_months to a positive number of months").
			Mark(ierr.ErrValidation)
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	if !req.Amount.Equal(models.RoundToMinor(req.Amount, currency)) {
		return nil, ierr.NewErrorf("amount %s has more precision than %s allows", req.Amount, currency).
			Mark(ierr.ErrValidation)
	}

	start := utils.Day(req.StartDate)
	anchor := req.AnchorDay
	if anchor == 0 {
		anchor = start.Day()
	}
	sched := &models.DuesSchedule{
		ID:              models.NewID("sch"),
		MemberID:        req.MemberID,
		Frequency:       req.Frequency,
		IntervalMonths:  req.IntervalMonths,
		Amount:          req.Amount,
		Currency:        currency,
		NextInvoiceDate: start,
		GracePeriodDays: req.GracePeriodDays,
		Status:          models.ScheduleActive,
		IsPrimary:       req.IsPrimary,
		AnchorDay:       anchor,
	}

	unlock := s.locks.Lock("member:" + req.MemberID)
	defer unlock()

	if sched.IsPrimary {
		if err := s.ensureNoOtherPrimary(ctx, req.MemberID, ""); err != nil {
			return nil, err
		}
	}
	if err := s.store.Create(ctx, sched); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"schedule_id": sched.ID,
		"member_id":   sched.MemberID,
		"frequency":   sched.Frequency,
		"next":        sched.NextInvoiceDate.Format(utils.DateLayout),
	}).Info("Dues schedule created")
	return sched, nil
}

func (s *ScheduleService) Get(ctx context.Context, id string) (*models.DuesSchedule, error) {
	return s.store.Get(ctx, id)
}

func (s *ScheduleService) ListForMember(ctx context.Context, memberID string) ([]*models.DuesSchedule, error) {
	return s.store.ListForMember(ctx, memberID)
}

// SetStatus pauses, resumes or cancels a schedule. Cancelled is final.
func (s *ScheduleService) SetStatus(ctx context.Context, id string, status models.ScheduleStatus) (*models.DuesSchedule, error) {
	switch status {
	case models.ScheduleActive, models.SchedulePaused, models.ScheduleCancelled:
	default:
		return nil, ierr.NewErrorf("unknown schedule status %q", status).Mark(ierr.ErrValidation)
	}
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("member:" + sched.MemberID)
	defer unlock()

	if sched.Status == status {
		return sched, nil
	}
	if sched.Status == models.ScheduleCancelled {
		return nil, ierr.NewError("cancelled schedules cannot change status").Mark(ierr.ErrInvalidTransition)
	}
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"schedule_id": id, "from": sched.Status, "to": status}).Info("Dues schedule status changed")
	sched.Status = status
	return sched, nil
}

func (s *ScheduleService) ensureNoOtherPrimary(ctx context.Context, memberID, exceptID string) error {
	existing, err := s.store.ListForMember(ctx, memberID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID != exceptID && e.IsPrimary && e.Status != models.ScheduleCancelled {
			return ierr.NewErrorf("member %s already has primary schedule %s", memberID, e.ID).
				WithHint("Cancel the existing primary schedule first").
				Mark(ierr.ErrBusinessRule)
		}
	}
	return nil
}
