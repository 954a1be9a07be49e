package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
)

// InMemoryScheduleStore mirrors the Postgres schedule store, including the
// one primary schedule per member rule and the version compare-and-set.
type InMemoryScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]*models.DuesSchedule
}

var _ repository.ScheduleStore = (*InMemoryScheduleStore)(nil)

func NewInMemoryScheduleStore() *InMemoryScheduleStore {
	return &InMemoryScheduleStore{schedules: make(map[string]*models.DuesSchedule)}
}

func copySchedule(s *models.DuesSchedule) *models.DuesSchedule {
	c := *s
	if s.LastInvoiceDate != nil {
		last := *s.LastInvoiceDate
		c.LastInvoiceDate = &last
	}
	return &c
}

func (s *InMemoryScheduleStore) Create(_ context.Context, sched *models.DuesSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.ID]; ok {
		return ierr.NewErrorf("schedule %s already exists", sched.ID).Mark(ierr.ErrAlreadyExists)
	}
	if sched.IsPrimary && sched.Status != models.ScheduleCancelled {
		for _, other := range s.schedules {
			if other.MemberID == sched.MemberID && other.IsPrimary && other.Status != models.ScheduleCancelled {
				return ierr.NewError("member already has a primary schedule").Mark(ierr.ErrBusinessRule)
			}
		}
	}
	now := time.Now().UTC()
	sched.Version = 1
	sched.CreatedAt, sched.UpdatedAt = now, now
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *InMemoryScheduleStore) Get(_ context.Context, id string) (*models.DuesSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, ierr.NewError("schedule not found").Mark(ierr.ErrNotFound)
	}
	return copySchedule(sched), nil
}

func (s *InMemoryScheduleStore) ListForMember(_ context.Context, memberID string) ([]*models.DuesSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DuesSchedule
	for _, sched := range s.schedules {
		if sched.MemberID == memberID {
			out = append(out, copySchedule(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryScheduleStore) ListDue(_ context.Context, asOf time.Time) ([]*models.DuesSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DuesSchedule
	for _, sched := range s.schedules {
		if sched.Status == models.ScheduleActive && !sched.NextInvoiceDate.After(asOf) {
			out = append(out, copySchedule(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextInvoiceDate.Equal(out[j].NextInvoiceDate) {
			return out[i].NextInvoiceDate.Before(out[j].NextInvoiceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryScheduleStore) Advance(_ context.Context, id string, version int64, last, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok || sched.Version != version {
		return ierr.NewErrorf("schedule %s changed concurrently", id).Mark(ierr.ErrVersionConflict)
	}
	sched.LastInvoiceDate = &last
	sched.NextInvoiceDate = next
	sched.Version++
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryScheduleStore) UpdateStatus(_ context.Context, id string, status models.ScheduleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return ierr.NewError("schedule not found").Mark(ierr.ErrNotFound)
	}
	sched.Status = status
	sched.Version++
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

// InMemoryMandateStore enforces unique references and at most one active
// mandate per member.
type InMemoryMandateStore struct {
	mu       sync.RWMutex
	mandates map[string]*models.Mandate
}

var _ repository.MandateStore = (*InMemoryMandateStore)(nil)

func NewInMemoryMandateStore() *InMemoryMandateStore {
	return &InMemoryMandateStore{mandates: make(map[string]*models.Mandate)}
}

func copyMandate(m *models.Mandate) *models.Mandate {
	c := *m
	if m.FirstCollectedAt != nil {
		at := *m.FirstCollectedAt
		c.FirstCollectedAt = &at
	}
	return &c
}

func (s *InMemoryMandateStore) activeFor(memberID, exceptID string) bool {
	for _, m := range s.mandates {
		if m.MemberID == memberID && m.ID != exceptID && m.Status == models.MandateActive {
			return true
		}
	}
	return false
}

func (s *InMemoryMandateStore) Create(_ context.Context, m *models.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.mandates {
		if other.ID == m.ID || other.Reference == m.Reference {
			return ierr.NewError("mandate reference or active mandate already exists").Mark(ierr.ErrAlreadyExists)
		}
	}
	if m.Status == models.MandateActive && s.activeFor(m.MemberID, m.ID) {
		return ierr.NewError("mandate reference or active mandate already exists").Mark(ierr.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	s.mandates[m.ID] = copyMandate(m)
	return nil
}

func (s *InMemoryMandateStore) Get(_ context.Context, id string) (*models.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, ierr.NewError("mandate not found").Mark(ierr.ErrNotFound)
	}
	return copyMandate(m), nil
}

func (s *InMemoryMandateStore) GetForMember(_ context.Context, memberID string) (*models.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Mandate
	for _, m := range s.mandates {
		if m.MemberID != memberID {
			continue
		}
		switch {
		case best == nil:
			best = m
		case m.Status == models.MandateActive && best.Status != models.MandateActive:
			best = m
		case (m.Status == models.MandateActive) == (best.Status == models.MandateActive) && m.CreatedAt.After(best.CreatedAt):
			best = m
		}
	}
	if best == nil {
		return nil, ierr.NewError("mandate not found").Mark(ierr.ErrNotFound)
	}
	return copyMandate(best), nil
}

func (s *InMemoryMandateStore) UpdateStatus(_ context.Context, id string, status models.MandateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return ierr.NewError("mandate not found").Mark(ierr.ErrNotFound)
	}
	if status == models.MandateActive && s.activeFor(m.MemberID, m.ID) {
		return ierr.NewError("member already has an active mandate").Mark(ierr.ErrBusinessRule)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryMandateStore) MarkFirstCollected(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil
	}
	if m.FirstCollectedAt == nil {
		m.FirstCollectedAt = &at
	}
	return nil
}

// InMemoryPolicyStore keeps member policies. Today decides whether a
// payment plan is still running.
type InMemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*models.MemberPolicy
	Today    func() time.Time
}

var _ repository.PolicyStore = (*InMemoryPolicyStore)(nil)

func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{policies: make(map[string]*models.MemberPolicy), Today: time.Now}
}

func (s *InMemoryPolicyStore) Get(_ context.Context, memberID string) (*models.MemberPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[memberID]
	if !ok {
		return &models.MemberPolicy{MemberID: memberID, GraceTier: models.GraceStandard}, nil
	}
	c := *p
	return &c, nil
}

func (s *InMemoryPolicyStore) Upsert(_ context.Context, p *models.MemberPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	c := *p
	s.policies[p.MemberID] = &c
	return nil
}

func (s *InMemoryPolicyStore) GraceTier(ctx context.Context, memberID string) (models.GraceTier, error) {
	p, err := s.Get(ctx, memberID)
	if err != nil {
		return "", err
	}
	return p.GraceTier, nil
}

func (s *InMemoryPolicyStore) HasActivePaymentPlan(ctx context.Context, memberID string) (bool, error) {
	p, err := s.Get(ctx, memberID)
	if err != nil {
		return false, err
	}
	if p.PaymentPlanUntil == nil {
		return false, nil
	}
	today := s.Today().UTC().Truncate(24 * time.Hour)
	return !p.PaymentPlanUntil.Before(today), nil
}
