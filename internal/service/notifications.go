package service

import (
	"context"

	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/sirupsen/logrus"
)

// NotificationEvaluator decides which templates fire for a member today.
// Delivery is someone else's job: triggers are published as events.
type NotificationEvaluator struct {
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

func NewNotificationEvaluator(publisher events.Publisher, m *metrics.Metrics, log *logrus.Logger) *NotificationEvaluator {
	return &NotificationEvaluator{publisher: publisher, metrics: m, log: log}
}

// Evaluate returns the rules that fire exactly at this day offset. A rule
// marked AfterGrace counts its offset from the end of the grace period; such
// rules never fire for members on an unbounded grace period.
func Evaluate(rules []models.NotificationRule, st models.MemberStatus) []models.NotificationTrigger {
	var out []models.NotificationTrigger
	if st.OldestDue == nil {
		return out
	}
	for _, r := range rules {
		offset := r.DayOffset
		if r.AfterGrace {
			if st.GraceDays >= InfiniteGrace {
				continue
			}
			offset += st.GraceDays
		}
		if st.DaysOverdue != offset || st.Status != r.Status {
			continue
		}
		out = append(out, models.NotificationTrigger{
			MemberID:    st.MemberID,
			Template:    r.Template,
			DaysOverdue: st.DaysOverdue,
			Status:      st.Status,
		})
	}
	return out
}

// Notify evaluates the rules and publishes every trigger.
func (n *NotificationEvaluator) Notify(ctx context.Context, rules []models.NotificationRule, st models.MemberStatus) []models.NotificationTrigger {
	triggers := Evaluate(rules, st)
	for _, t := range triggers {
		n.metrics.NotificationsRaised.WithLabelValues(t.Template).Inc()
		if err := n.publisher.Publish(ctx, events.TopicNotificationTriggered, t); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"member_id": t.MemberID,
				"template":  t.Template,
			}).Warn("Failed to publish notification trigger")
		}
	}
	return triggers
}
