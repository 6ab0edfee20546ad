// Package metrics registers the Prometheus instrumentation for the
// monitoring engine and exposes Record helpers so components never touch
// metric vectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the monitoring engine.
type Metrics struct {
	// Probe metrics
	ProbeDuration *prometheus.HistogramVec
	ChecksTotal   *prometheus.CounterVec

	// Incident metrics
	IncidentsOpened   *prometheus.CounterVec
	IncidentsResolved *prometheus.CounterVec
	OpenIncidents     prometheus.Gauge

	// Scheduler metrics
	SchedulerHeapSize prometheus.Gauge
	InflightProbes    prometheus.Gauge
	OverrunSkips      prometheus.Counter

	// Payment metrics
	PaymentsTotal  *prometheus.CounterVec
	PaymentRetries prometheus.Counter

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
	NotifyQueueDepth   prometheus.Gauge

	// Submission metrics
	SubmissionsTotal *prometheus.CounterVec
}

// New creates and registers all engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ProbeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watchmesh_probe_duration_seconds",
				Help:    "Wall-clock duration of probe executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "region", "outcome"},
		),
		ChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_checks_total",
				Help: "Total persisted checks",
			},
			[]string{"kind", "outcome"}, // outcome: success, failure
		),
		IncidentsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_incidents_opened_total",
				Help: "Total incidents opened",
			},
			[]string{"reason"},
		),
		IncidentsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_incidents_resolved_total",
				Help: "Total incidents resolved",
			},
			[]string{"reason"},
		),
		OpenIncidents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchmesh_open_incidents",
			Help: "Currently open incidents",
		}),
		SchedulerHeapSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchmesh_scheduler_heap_size",
			Help: "Entries in the scheduler ready queue",
		}),
		InflightProbes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchmesh_inflight_probes",
			Help: "Probes currently executing",
		}),
		OverrunSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchmesh_scheduler_overrun_skips_total",
			Help: "Scheduled slots skipped because the previous probe was still in flight",
		}),
		PaymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_payments_total",
				Help: "Wallet credit attempts",
			},
			[]string{"result"}, // credited, duplicate, failed
		),
		PaymentRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "watchmesh_payment_retries_total",
			Help: "Wallet credit retries after store failures",
		}),
		NotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_notifications_total",
				Help: "Alert delivery attempts",
			},
			[]string{"transition", "channel", "result"},
		),
		NotifyQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "watchmesh_notify_queue_depth",
			Help: "Pending notification jobs",
		}),
		SubmissionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchmesh_submissions_total",
				Help: "Ad-hoc probe submissions",
			},
			[]string{"result"}, // accepted, cooldown, rejected
		),
	}
}

// RecordProbe observes one probe execution.
func (m *Metrics) RecordProbe(kind, region string, success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ProbeDuration.WithLabelValues(kind, region, outcome).Observe(d.Seconds())
}

// RecordCheck counts one persisted check.
func (m *Metrics) RecordCheck(kind string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ChecksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordIncidentOpened counts an opened incident and bumps the gauge.
func (m *Metrics) RecordIncidentOpened(reason string) {
	m.IncidentsOpened.WithLabelValues(reason).Inc()
	m.OpenIncidents.Inc()
}

// RecordIncidentResolved counts a resolved incident and drops the gauge.
func (m *Metrics) RecordIncidentResolved(reason string) {
	m.IncidentsResolved.WithLabelValues(reason).Inc()
	m.OpenIncidents.Dec()
}

// RecordPayment counts a credit attempt result.
func (m *Metrics) RecordPayment(result string) {
	m.PaymentsTotal.WithLabelValues(result).Inc()
}

// RecordNotification counts an alert delivery attempt.
func (m *Metrics) RecordNotification(transition, channel, result string) {
	m.NotificationsTotal.WithLabelValues(transition, channel, result).Inc()
}

// RecordSubmission counts a gateway submission result.
func (m *Metrics) RecordSubmission(result string) {
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}
