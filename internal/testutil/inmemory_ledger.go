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

// InMemoryLedger is an idempotent invoice ledger. FailNext and FailSchedule
// make CreateInvoice fail, which exercises the generation error paths.
type InMemoryLedger struct {
	mu         sync.RWMutex
	invoices   map[string]*models.Invoice
	byKey      map[string]string
	creates    int
	failures   []error
	bySchedule map[string]error
}

var _ repository.Ledger = (*InMemoryLedger)(nil)

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		invoices:   make(map[string]*models.Invoice),
		byKey:      make(map[string]string),
		bySchedule: make(map[string]error),
	}
}

func copyInvoice(inv *models.Invoice) *models.Invoice {
	c := *inv
	return &c
}

// FailNext queues errors returned by the next CreateInvoice calls.
func (l *InMemoryLedger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

// FailSchedule makes every CreateInvoice for the schedule fail with err.
func (l *InMemoryLedger) FailSchedule(scheduleID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySchedule[scheduleID] = err
}

// Creates counts invoices actually inserted, not idempotent replays.
func (l *InMemoryLedger) Creates() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.creates
}

// Add stores an invoice as is, e.g. one issued outside the dues engine.
func (l *InMemoryLedger) Add(inv *models.Invoice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inv.Status == "" {
		inv.Status = models.InvoiceUnpaid
	}
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = inv.ID
	}
	l.invoices[inv.ID] = copyInvoice(inv)
	l.byKey[inv.IdempotencyKey] = inv.ID
}

func (l *InMemoryLedger) All() []*models.Invoice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Invoice, 0, len(l.invoices))
	for _, inv := range l.invoices {
		out = append(out, copyInvoice(inv))
	}
	sortInvoices(out)
	return out
}

func (l *InMemoryLedger) CreateInvoice(_ context.Context, req models.CreateInvoiceRequest) (*models.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return nil, err
	}
	if err, ok := l.bySchedule[req.ScheduleID]; ok {
		return nil, err
	}
	if id, ok := l.byKey[req.IdempotencyKey]; ok {
		return copyInvoice(l.invoices[id]), nil
	}
	inv := &models.Invoice{
		ID:             models.NewID("inv"),
		ScheduleID:     req.ScheduleID,
		MemberID:       req.MemberID,
		PeriodStart:    req.Period.Start,
		PeriodEnd:      req.Period.End,
		Amount:         req.Period.Amount,
		Currency:       req.Currency,
		DueDate:        req.DueDate,
		Status:         models.InvoiceUnpaid,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	l.invoices[inv.ID] = inv
	l.byKey[inv.IdempotencyKey] = inv.ID
	l.creates++
	return copyInvoice(inv), nil
}

func (l *InMemoryLedger) FindByPeriod(_ context.Context, scheduleID string, periodStart time.Time) (*models.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, inv := range l.invoices {
		if inv.ScheduleID == scheduleID && inv.PeriodStart.Equal(periodStart) {
			return copyInvoice(inv), nil
		}
	}
	return nil, ierr.NewError("invoice not found").Mark(ierr.ErrNotFound)
}

func (l *InMemoryLedger) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inv, ok := l.invoices[id]
	if !ok {
		return nil, ierr.NewError("invoice not found").Mark(ierr.ErrNotFound)
	}
	return copyInvoice(inv), nil
}

func (l *InMemoryLedger) GetUnpaidInvoices(_ context.Context, memberID string) ([]*models.Invoice, error) {
	return l.filter(func(inv *models.Invoice) bool {
		return inv.MemberID == memberID && inv.Status == models.InvoiceUnpaid
	}), nil
}

func (l *InMemoryLedger) ListCollectable(_ context.Context, dueBy time.Time) ([]*models.Invoice, error) {
	return l.filter(func(inv *models.Invoice) bool {
		return inv.Status == models.InvoiceUnpaid && !inv.DueDate.After(dueBy)
	}), nil
}

func (l *InMemoryLedger) RecordPayment(_ context.Context, invoiceID string, paidAt time.Time, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[invoiceID]
	if !ok || inv.Status != models.InvoiceUnpaid {
		return ierr.NewErrorf("invoice %s is not unpaid", invoiceID).Mark(ierr.ErrInvalidTransition)
	}
	inv.Status = models.InvoicePaid
	inv.PaidAt = &paidAt
	inv.PaymentRef = &reference
	return nil
}

func (l *InMemoryLedger) filter(keep func(*models.Invoice) bool) []*models.Invoice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*models.Invoice
	for _, inv := range l.invoices {
		if keep(inv) {
			out = append(out, copyInvoice(inv))
		}
	}
	sortInvoices(out)
	return out
}

func sortInvoices(invs []*models.Invoice) {
	sort.Slice(invs, func(i, j int) bool {
		if !invs[i].DueDate.Equal(invs[j].DueDate) {
			return invs[i].DueDate.Before(invs[j].DueDate)
		}
		return invs[i].ID < invs[j].ID
	})
}
