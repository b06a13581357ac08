// Package metrics exposes job counters on a private Prometheus registry. The
// CLI writes them in text exposition format for node_exporter's textfile
// collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/imap-export/model"
)

const namespace = "imapexport"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	reg *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchRetries  prometheus.Counter
	fetchDuration prometheus.Histogram
	outcomes      *prometheus.CounterVec
	bytes         prometheus.Counter
	writerErrors  *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Message fetch attempts by result.",
		},
		[]string{"result"},
	)
	m.fetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_retries_total",
		Help:      "Fetch attempts repeated after a transient error.",
	})
	// 50ms to ~100s
	m.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Duration of single fetch attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	m.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Recorded per-message outcomes.",
		},
		[]string{"kind", "reason"},
	)
	m.bytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_total",
		Help:      "Bytes of exported messages.",
	})
	m.writerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_errors_total",
			Help:      "Write and finalize failures by format.",
		},
		[]string{"writer"},
	)
	m.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by terminal state.",
		},
		[]string{"state"},
	)

	m.reg.MustRegister(
		m.fetchTotal,
		m.fetchRetries,
		m.fetchDuration,
		m.outcomes,
		m.bytes,
		m.writerErrors,
		m.jobs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveFetch records one fetch attempt. result is "ok" or an error kind.
func (m *Metrics) ObserveFetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

func (m *Metrics) Outcome(o model.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.Kind), string(o.Reason)).Inc()
	if o.Kind == model.OutcomeSuccess {
		m.bytes.Add(float64(o.Bytes))
	}
}

func (m *Metrics) WriterError(kind model.ExportKind) {
	if m == nil {
		return
	}
	m.writerErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Job(state model.JobState) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(state)).Inc()
}

// WriteTextfile atomically writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
