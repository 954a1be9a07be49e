package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/samber/lo"
)

// InMemoryBatchStore mirrors the Postgres batch store: status changes are
// compare-and-set and mandate claims are taken and released with them. Now
// stands in for the database clock.
type InMemoryBatchStore struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
	claims  map[string]string
	dates   map[string]*sync.Mutex
	Now     func() time.Time
}

var _ repository.BatchStore = (*InMemoryBatchStore)(nil)

func NewInMemoryBatchStore() *InMemoryBatchStore {
	return &InMemoryBatchStore{
		batches: make(map[string]*models.Batch),
		claims:  make(map[string]string),
		dates:   make(map[string]*sync.Mutex),
		Now:     time.Now,
	}
}

func copyBatch(b *models.Batch) *models.Batch {
	c := *b
	c.Lines = make([]*models.BatchLine, len(b.Lines))
	for i, l := range b.Lines {
		lc := *l
		c.Lines[i] = &lc
	}
	return &c
}

// Claims returns a copy of the mandate claim table.
func (s *InMemoryBatchStore) Claims() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.claims))
	for k, v := range s.claims {
		out[k] = v
	}
	return out
}

// Put stores a batch in any status, bypassing the workflow.
func (s *InMemoryBatchStore) Put(b *models.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = copyBatch(b)
	if b.Status.HoldsMandateClaims() {
		for _, l := range b.AcceptedLines() {
			s.claims[l.MandateID] = b.ID
		}
	}
}

func (s *InMemoryBatchStore) LockCollectionDate(_ context.Context, date time.Time) (func(), error) {
	s.mu.Lock()
	key := date.Format("2006-01-02")
	l, ok := s.dates[key]
	if !ok {
		l = &sync.Mutex{}
		s.dates[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}

func (s *InMemoryBatchStore) CreateDraft(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return ierr.NewErrorf("batch %s already exists", b.ID).Mark(ierr.ErrAlreadyExists)
	}
	if batched := s.batchedInvoices(lo.Map(b.Lines, func(l *models.BatchLine, _ int) string { return l.InvoiceID })); len(batched) > 0 {
		return ierr.NewErrorf("%d invoices are already in an open batch", len(batched)).Mark(ierr.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	for _, l := range b.Lines {
		l.CreatedAt = now
	}
	s.batches[b.ID] = copyBatch(b)
	return nil
}

func (s *InMemoryBatchStore) Get(_ context.Context, id string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ierr.NewError("batch not found").Mark(ierr.ErrNotFound)
	}
	return copyBatch(b), nil
}

func (s *InMemoryBatchStore) GetByMessageID(_ context.Context, messageID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.MessageID == messageID {
			return copyBatch(b), nil
		}
	}
	return nil, ierr.NewError("batch not found").Mark(ierr.ErrNotFound)
}

func (s *InMemoryBatchStore) List(_ context.Context, status models.BatchStatus) ([]*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Batch
	for _, b := range s.batches {
		if status == "" || b.Status == status {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryBatchStore) OpenClaims(_ context.Context, mandateIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, id := range mandateIDs {
		if holder, ok := s.claims[id]; ok {
			out[id] = holder
		}
	}
	return out, nil
}

func (s *InMemoryBatchStore) BatchedInvoices(_ context.Context, invoiceIDs []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchedInvoices(invoiceIDs), nil
}

func (s *InMemoryBatchStore) batchedInvoices(invoiceIDs []string) map[string]string {
	wanted := make(map[string]bool, len(invoiceIDs))
	for _, id := range invoiceIDs {
		wanted[id] = true
	}
	out := make(map[string]string)
	for _, b := range s.batches {
		if b.Status == models.BatchFailed {
			continue
		}
		for _, l := range b.Lines {
			if wanted[l.InvoiceID] && l.Status != models.LineRejected {
				out[l.InvoiceID] = b.ID
			}
		}
	}
	return out
}

func (s *InMemoryBatchStore) UpdateDraftLines(_ context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.cas(b.ID, models.BatchDraft, models.BatchDraft)
	if err != nil {
		return err
	}
	stored.TotalAmount, stored.TotalTransactions = b.TotalAmount, b.TotalTransactions
	applyLines(stored, b.Lines)
	return nil
}

func (s *InMemoryBatchStore) MarkGenerated(_ context.Context, b *models.Batch, fileRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := map[string]string{}
	for _, l := range b.AcceptedLines() {
		if holder, ok := s.claims[l.MandateID]; ok && holder != b.ID {
			conflicts[l.MandateID] = holder
		}
	}
	if len(conflicts) > 0 {
		return &repository.ClaimConflictError{MandateIDs: conflicts}
	}

	stored, err := s.cas(b.ID, models.BatchDraft, models.BatchGenerated)
	if err != nil {
		return err
	}
	for _, l := range b.AcceptedLines() {
		s.claims[l.MandateID] = b.ID
	}
	now := s.Now().UTC()
	stored.FileRef = &fileRef
	stored.TotalAmount, stored.TotalTransactions = b.TotalAmount, b.TotalTransactions
	stored.NextSubmitAt = &now
	applyLines(stored, b.Lines)
	return nil
}

func (s *InMemoryBatchStore) MarkSubmitted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.cas(id, models.BatchGenerated, models.BatchSubmitted)
	if err != nil {
		return err
	}
	stored.NextSubmitAt = nil
	stored.LastError = nil
	stored.SubmitAttempts++
	return nil
}

func (s *InMemoryBatchStore) ScheduleRetry(_ context.Context, id string, attempts int, next *time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.cas(id, models.BatchGenerated, models.BatchGenerated)
	if err != nil {
		return err
	}
	stored.SubmitAttempts = attempts
	stored.NextSubmitAt = next
	stored.LastError = &lastErr
	return nil
}

func (s *InMemoryBatchStore) ListSubmittable(_ context.Context, now time.Time, maxAttempts int) ([]*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Batch
	for _, b := range s.batches {
		if b.Status == models.BatchGenerated && b.NextSubmitAt != nil && !b.NextSubmitAt.After(now) &&
			b.SubmitAttempts < maxAttempts {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryBatchStore) Finalize(_ context.Context, b *models.Batch, status models.BatchStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.cas(b.ID, models.BatchSubmitted, status)
	if err != nil {
		return err
	}
	if reason != "" {
		stored.LastError = &reason
	} else {
		stored.LastError = nil
	}
	applyLines(stored, b.Lines)
	for mandateID, holder := range s.claims {
		if holder == b.ID {
			delete(s.claims, mandateID)
		}
	}
	return nil
}

func (s *InMemoryBatchStore) cas(id string, from, to models.BatchStatus) (*models.Batch, error) {
	stored, ok := s.batches[id]
	if !ok || stored.Status != from {
		return nil, ierr.NewErrorf("batch %s is not %s", id, from).Mark(ierr.ErrInvalidTransition)
	}
	stored.Status = to
	stored.UpdatedAt = time.Now().UTC()
	return stored, nil
}

// applyLines copies the mutable line columns, as the SQL store does.
func applyLines(stored *models.Batch, lines []*models.BatchLine) {
	byID := make(map[string]*models.BatchLine, len(stored.Lines))
	for _, l := range stored.Lines {
		byID[l.ID] = l
	}
	for _, l := range lines {
		if target, ok := byID[l.ID]; ok {
			target.Status = l.Status
			target.ReasonCode = l.ReasonCode
			target.Reason = l.Reason
			target.SequenceType = l.SequenceType
		}
	}
}
