package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the pipeline counters exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	InvoicesGenerated   prometheus.Counter
	GenerationFailures  prometheus.Counter
	LinesAssembled      *prometheus.CounterVec
	BatchTransitions    *prometheus.CounterVec
	SubmissionAttempts  *prometheus.CounterVec
	LinesReturned       *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	StatusEvaluations   *prometheus.CounterVec
	NotificationsRaised *prometheus.CounterVec
}

// New registers the collectors on a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		InvoicesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dues", Name: "invoices_generated_total",
			Help: "Invoices created by schedule generation.",
		}),
		GenerationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dues", Name: "generation_failures_total",
			Help: "Schedules that failed to generate after retries.",
		}),
		LinesAssembled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "batch_lines_assembled_total",
			Help: "Batch lines by assembly outcome.",
		}, []string{"outcome"}),
		BatchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "batch_transitions_total",
			Help: "Batch status transitions.",
		}, []string{"to"}),
		SubmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "bank_submission_attempts_total",
			Help: "Bank submissions by result.",
		}, []string{"result"}),
		LinesReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "batch_lines_returned_total",
			Help: "Lines returned by the bank by reason code.",
		}, []string{"code"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "operator_escalations_total",
			Help: "Items sent to the operator queue.",
		}, []string{"kind"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dues", Name: "pipeline_stage_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		StatusEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "member_status_evaluations_total",
			Help: "Member payment status evaluations by resulting status.",
		}, []string{"status"}),
		NotificationsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dues", Name: "notifications_triggered_total",
			Help: "Notification triggers by template.",
		}, []string{"template"}),
	}
	reg.MustRegister(
		m.InvoicesGenerated, m.GenerationFailures, m.LinesAssembled, m.BatchTransitions,
		m.SubmissionAttempts, m.LinesReturned, m.Escalations, m.StageDuration,
		m.StatusEvaluations, m.NotificationsRaised,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
