package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/storage"
)

type InMemoryEscalationStore struct {
	mu    sync.Mutex
	items []*models.Escalation
}

var _ repository.EscalationStore = (*InMemoryEscalationStore)(nil)

func NewInMemoryEscalationStore() *InMemoryEscalationStore {
	return &InMemoryEscalationStore{}
}

func (s *InMemoryEscalationStore) Create(_ context.Context, e *models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now().UTC()
	c := *e
	s.items = append(s.items, &c)
	return nil
}

func (s *InMemoryEscalationStore) ListOpen(_ context.Context) ([]*models.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Escalation
	for _, e := range s.items {
		if e.ResolvedAt == nil {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *InMemoryEscalationStore) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.ID == id && e.ResolvedAt == nil {
			e.ResolvedAt = &at
			return nil
		}
	}
	return ierr.NewErrorf("escalation %s not found or already resolved", id).Mark(ierr.ErrNotFound)
}

// Kinds lists the kinds of open escalations in creation order.
func (s *InMemoryEscalationStore) Kinds() []models.EscalationKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscalationKind
	for _, e := range s.items {
		if e.ResolvedAt == nil {
			out = append(out, e.Kind)
		}
	}
	return out
}

type InMemoryAuditStore struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

var _ repository.AuditStore = (*InMemoryAuditStore)(nil)

func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

func (s *InMemoryAuditStore) Append(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = time.Now().UTC()
	c := *e
	s.entries = append(s.entries, &c)
	return nil
}

func (s *InMemoryAuditStore) List(_ context.Context, ref string) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range s.entries {
		if e.Ref == ref {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Actions returns the actions recorded for ref in order.
func (s *InMemoryAuditStore) Actions(ref string) []string {
	entries, _ := s.List(context.Background(), ref)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

// InMemoryFileStore keeps collection files in a map under mem:// references.
type InMemoryFileStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

var _ storage.FileStore = (*InMemoryFileStore)(nil)

func NewInMemoryFileStore() *InMemoryFileStore {
	return &InMemoryFileStore{files: make(map[string][]byte)}
}

func (s *InMemoryFileStore) Save(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

func (s *InMemoryFileStore) Open(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[strings.TrimPrefix(ref, "mem://")]
	if !ok {
		return nil, ierr.NewErrorf("artifact %s not found", ref).Mark(ierr.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *InMemoryFileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, strings.TrimPrefix(ref, "mem://"))
	return nil
}

func (s *InMemoryFileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.files))
	for name := range s.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
