// Package metrics holds the prometheus collectors shared by the queue,
// workers and scanners. A Metrics value is built once at startup and passed
// to each component; nothing registers against the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Enqueued    *prometheus.CounterVec
	Processed   *prometheus.CounterVec
	Malformed   prometheus.Counter
	DeadLetters *prometheus.CounterVec
	QueueErrors *prometheus.CounterVec
	ScanPasses  *prometheus.CounterVec
	ScanRows    *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "jobs_enqueued_total",
			Help:      "Job envelopes appended to the dispatch queue.",
		}, []string{"email_type"}),
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "jobs_processed_total",
			Help:      "Job envelopes handled by workers, by outcome.",
		}, []string{"email_type", "outcome"}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "jobs_malformed_total",
			Help:      "Popped messages that failed to decode.",
		}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "dead_letters_total",
			Help:      "Messages written to the dead letter list.",
		}, []string{"reason"}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "queue_errors_total",
			Help:      "Dispatch queue transport errors.",
		}, []string{"op"}),
		ScanPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "scanner_passes_total",
			Help:      "Scanner passes, by scanner and result.",
		}, []string{"scanner", "result"}),
		ScanRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthq",
			Name:      "scanner_rows_total",
			Help:      "Eligibility rows visited by scanners, by outcome.",
		}, []string{"scanner", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healthq",
			Name:      "job_duration_seconds",
			Help:      "Time spent in job handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"email_type"}),
	}
	reg.MustRegister(
		m.Enqueued, m.Processed, m.Malformed, m.DeadLetters,
		m.QueueErrors, m.ScanPasses, m.ScanRows, m.JobDuration,
	)
	return m
}

// NewNop returns collectors registered against a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
