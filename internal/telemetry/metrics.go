package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics: Prometheus метрики движка.
//
// Все методы безопасны для nil *Metrics, тесты передают nil.
type Metrics struct {
	JobsProcessed      *prometheus.CounterVec
	SendsTotal         *prometheus.CounterVec
	ContentFallbacks   *prometheus.CounterVec
	IdentitySelections *prometheus.CounterVec
	IdentityFailures   *prometheus.CounterVec
	BreakerTrips       *prometheus.CounterVec
	JobsScheduled      prometheus.Counter
	SchedulingPass     prometheus.Histogram
	WebhookRejected    *prometheus.CounterVec
	EventsApplied      *prometheus.CounterVec
	ContactTransitions *prometheus.CounterVec
}

// NewMetrics создаёт метрики и регистрирует их в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_jobs_processed_total",
			Help: "Delivery jobs processed by outcome",
		}, []string{"outcome"}),
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Transport send attempts by provider and result",
		}, []string{"provider", "result"}),
		ContentFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_content_fallbacks_total",
			Help: "Messages rendered from the fallback template",
		}, []string{"reason"}),
		IdentitySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_identity_selections_total",
			Help: "Identity pool selections by result",
		}, []string{"result"}),
		IdentityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_identity_status_changes_total",
			Help: "Identity status changes caused by send failures",
		}, []string{"status"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_circuit_breaker_trips_total",
			Help: "Campaigns paused by a safety threshold",
		}, []string{"reason"}),
		JobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbound_jobs_scheduled_total",
			Help: "Delivery jobs enqueued by the scheduler",
		}),
		SchedulingPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbound_scheduling_pass_seconds",
			Help:    "Duration of a scheduling pass",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_webhook_rejected_total",
			Help: "Webhook requests rejected at the boundary",
		}, []string{"reason"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_events_applied_total",
			Help: "Inbound provider events applied by kind and effect",
		}, []string{"kind", "effect"}),
		ContactTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_contact_transitions_total",
			Help: "Contact state transitions by target status",
		}, []string{"to"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsProcessed,
			m.SendsTotal,
			m.ContentFallbacks,
			m.IdentitySelections,
			m.IdentityFailures,
			m.BreakerTrips,
			m.JobsScheduled,
			m.SchedulingPass,
			m.WebhookRejected,
			m.EventsApplied,
			m.ContactTransitions,
		)
	}
	return m
}

func (m *Metrics) JobProcessed(outcome string) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Send(provider, result string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ContentFallback(reason string) {
	if m == nil {
		return
	}
	m.ContentFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) IdentitySelected(result string) {
	if m == nil {
		return
	}
	m.IdentitySelections.WithLabelValues(result).Inc()
}

func (m *Metrics) IdentityStatusChanged(status string) {
	if m == nil {
		return
	}
	m.IdentityFailures.WithLabelValues(status).Inc()
}

func (m *Metrics) BreakerTripped(reason string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobScheduled() {
	if m == nil {
		return
	}
	m.JobsScheduled.Inc()
}

func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.SchedulingPass.Observe(d.Seconds())
}

func (m *Metrics) WebhookRejection(reason string) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventApplied(kind, effect string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(kind, effect).Inc()
}

func (m *Metrics) ContactTransition(to string) {
	if m == nil {
		return
	}
	m.ContactTransitions.WithLabelValues(to).Inc()
}
