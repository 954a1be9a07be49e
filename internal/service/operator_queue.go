package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/sirupsen/logrus"
)

// Alerter notifies a human about a new escalation.
type Alerter interface {
	SendEscalation(ctx context.Context, e *models.Escalation) error
}

// OperatorQueue collects work the pipeline could not finish on its own:
// schedules that kept failing, batches the bank never accepted, reports
// that could not be reconciled.
type OperatorQueue struct {
	store   repository.EscalationStore
	alerter Alerter
	metrics *metrics.Metrics
	log     *logrus.Logger
}

func NewOperatorQueue(store repository.EscalationStore, alerter Alerter, m *metrics.Metrics, log *logrus.Logger) *OperatorQueue {
	return &OperatorQueue{store: store, alerter: alerter, metrics: m, log: log}
}

// Escalate stores an item and alerts the operator. When the store is
// unavailable the item is still logged at error level with all details.
func (q *OperatorQueue) Escalate(ctx context.Context, kind models.EscalationKind, ref string, format string, args ...any) error {
	e := &models.Escalation{
		ID:        models.NewID("esc"),
		Kind:      kind,
		Ref:       ref,
		Message:   fmt.Sprintf(format, args...),
		CreatedAt: time.Now().UTC(),
	}
	fields := logrus.Fields{"escalation_id": e.ID, "kind": kind, "ref": ref}
	q.metrics.Escalations.WithLabelValues(string(kind)).Inc()

	if err := q.store.Create(ctx, e); err != nil {
		q.log.WithError(err).WithFields(fields).WithField("message", e.Message).
			Error("Failed to persist escalation")
		return err
	}
	q.log.WithFields(fields).Warn(e.Message)

	if q.alerter != nil {
		if err := q.alerter.SendEscalation(ctx, e); err != nil {
			q.log.WithError(err).WithFields(fields).Error("Failed to alert operator")
		}
	}
	return nil
}

func (q *OperatorQueue) ListOpen(ctx context.Context) ([]*models.Escalation, error) {
	return q.store.ListOpen(ctx)
}

func (q *OperatorQueue) Resolve(ctx context.Context, id string) error {
	if err := q.store.Resolve(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	q.log.WithField("escalation_id", id).Info("Escalation resolved")
	return nil
}
