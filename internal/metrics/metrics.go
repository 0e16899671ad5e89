package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted   prometheus.Counter
	eventsAppended    *prometheus.CounterVec
	terminals         *prometheus.CounterVec
	activeAttachments prometheus.Gauge
	finalizations     *prometheus.CounterVec
	jobs              *prometheus.CounterVec
}

// New registers every collector on a dedicated registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Streamed generations begun.",
		}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to session logs by type.",
		}, []string{"type"}),
		terminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_terminated_total",
			Help:      "Sessions reaching a terminal event by outcome.",
		}, []string{"outcome"}),
		activeAttachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_attachments",
			Help:      "Consumers currently attached to a session log.",
		}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Assistant message persistence attempts by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Worker jobs by type and result.",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted,
		m.eventsAppended,
		m.terminals,
		m.activeAttachments,
		m.finalizations,
		m.jobs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// SessionTerminated records "end" or "error".
func (m *Metrics) SessionTerminated(outcome string) {
	if m == nil {
		return
	}
	m.terminals.WithLabelValues(outcome).Inc()
}

// Attached increments the attachment gauge and returns the matching decrement.
func (m *Metrics) Attached() func() {
	if m == nil {
		return func() {}
	}
	m.activeAttachments.Inc()
	return m.activeAttachments.Dec
}

// Finalized records "saved", "skipped" or "failed".
func (m *Metrics) Finalized(result string) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(result).Inc()
}

// Job records a worker job outcome: "ok", "failed" or "rejected".
func (m *Metrics) Job(jobType, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, result).Inc()
}

// TrackQueue exports the worker pool's queue depth and worker counts, sampled on every scrape.
func (m *Metrics) TrackQueue(pending func() int, workers func() (running, idle int)) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_jobs_pending",
			Help:      "Jobs accepted but not yet handed to a worker.",
		}, func() float64 { return float64(pending()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Worker goroutines alive in the pool.",
		}, func() float64 {
			running, _ := workers()
			return float64(running)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_idle",
			Help:      "Workers waiting for a job.",
		}, func() float64 {
			_, idle := workers()
			return float64(idle)
		}),
	)
}
