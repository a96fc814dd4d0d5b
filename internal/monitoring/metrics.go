// Package monitoring holds the Prometheus collectors of the coordinator.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iliyamo/ticket-coordinator/internal/queue"
)

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing, so components can be built without metrics in tests.
type Metrics struct {
	batchesAccepted  *prometheus.CounterVec
	ticketsCreated   prometheus.Counter
	publishFailures  *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	responseOutcomes *prometheus.CounterVec
	ticketsApplied   *prometheus.CounterVec
	ticketsExpired   prometheus.Counter
	batchesReclaimed prometheus.Counter
	queueJobs        *prometheus.GaugeVec
	applyDuration    prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batchesAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tgc_batches_accepted_total",
			Help: "Bulk generation batches accepted, by origin (accept or retry)",
		}, []string{"origin"}),
		ticketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "tgc_tickets_created_total",
			Help: "Ticket rows inserted as PENDING",
		}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tgc_publish_failures_total",
			Help: "REQUEST publishes that failed after the database commit",
		}, []string{"origin"}),
		compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tgc_compensations_total",
			Help: "Compensating QUEUE_ERROR updates, by result",
		}, []string{"result"}),
		responseOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tgc_response_outcomes_total",
			Help: "RESPONSE messages handled, by verdict",
		}, []string{"verdict"}),
		ticketsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tgc_tickets_applied_total",
			Help: "Ticket entries of RESPONSE messages, by effect",
		}, []string{"result"}),
		ticketsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "tgc_tickets_expired_total",
			Help: "PENDING tickets moved to ERROR by the generation timeout",
		}),
		batchesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "tgc_batches_reclaimed_total",
			Help: "Fully generated batch records deleted after retention",
		}),
		queueJobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tgc_queue_jobs",
			Help: "Jobs per queue and state",
		}, []string{"queue", "state"}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgc_response_apply_seconds",
			Help:    "Time spent applying one RESPONSE message",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// BatchAccepted records an enqueued batch of n tickets. origin is
// "accept" or "retry".
func (m *Metrics) BatchAccepted(origin string, n int) {
	if m == nil {
		return
	}
	m.batchesAccepted.WithLabelValues(origin).Inc()
	if origin == "accept" {
		m.ticketsCreated.Add(float64(n))
	}
}

// PublishFailed records a REQUEST publish failure.
func (m *Metrics) PublishFailed(origin string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(origin).Inc()
}

// Compensated records the result of a compensating update.
func (m *Metrics) Compensated(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

// ResponseHandled records the verdict of one RESPONSE and how long it took.
func (m *Metrics) ResponseHandled(v queue.Verdict, took time.Duration) {
	if m == nil {
		return
	}
	m.responseOutcomes.WithLabelValues(v.String()).Inc()
	m.applyDuration.Observe(took.Seconds())
}

// TicketsApplied records n response entries with the given effect.
func (m *Metrics) TicketsApplied(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ticketsApplied.WithLabelValues(result).Add(float64(n))
}

// TicketsExpired records tickets swept by the generation timeout.
func (m *Metrics) TicketsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ticketsExpired.Add(float64(n))
}

// BatchesReclaimed records deleted batch records.
func (m *Metrics) BatchesReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.batchesReclaimed.Add(float64(n))
}

// ObserveQueue publishes the counters of one queue.
func (m *Metrics) ObserveQueue(name string, st queue.Stats) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(name, "waiting").Set(float64(st.Waiting))
	m.queueJobs.WithLabelValues(name, "active").Set(float64(st.Active))
	m.queueJobs.WithLabelValues(name, "completed").Set(float64(st.Completed))
	m.queueJobs.WithLabelValues(name, "failed").Set(float64(st.Failed))
	m.queueJobs.WithLabelValues(name, "delayed").Set(float64(st.Delayed))
}
