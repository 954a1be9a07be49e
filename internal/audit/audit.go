package audit

import (
	"context"
	"fmt"

	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/sirupsen/logrus"
)

// Reader exposes the audit trail to the operator API. It cannot write.
type Reader interface {
	List(ctx context.Context, ref string) ([]*models.AuditEntry, error)
}

// SystemWriter is the trusted writer capability held by pipeline stages.
// Entries carry the stage name as actor; requests never reach a
// SystemWriter, so an audit entry is never attributed to an API caller.
type SystemWriter struct {
	store repository.AuditStore
	actor string
	log   *logrus.Logger
}

func NewSystemWriter(store repository.AuditStore, log *logrus.Logger) *SystemWriter {
	return &SystemWriter{store: store, actor: "system", log: log}
}

// For returns a writer that records entries under the given stage name.
func (w *SystemWriter) For(stage string) *SystemWriter {
	if w == nil {
		return nil
	}
	return &SystemWriter{store: w.store, actor: "system:" + stage, log: w.log}
}

// Record appends an entry. Audit failures are logged and do not fail the
// operation being audited.
func (w *SystemWriter) Record(ctx context.Context, ref, action, format string, args ...any) {
	if w == nil {
		return
	}
	entry := &models.AuditEntry{
		ID:     models.NewID("aud"),
		Ref:    ref,
		Actor:  w.actor,
		Action: action,
		Detail: fmt.Sprintf(format, args...),
	}
	if err := w.store.Append(ctx, entry); err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{"ref": ref, "action": action}).
			Error("Failed to write audit entry")
	}
}

type reader struct {
	store repository.AuditStore
}

func NewReader(store repository.AuditStore) Reader {
	return &reader{store: store}
}

func (r *reader) List(ctx context.Context, ref string) ([]*models.AuditEntry, error) {
	return r.store.List(ctx, ref)
}
