package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	ClassificationsTotal *prometheus.CounterVec
	ClassifyDuration     prometheus.Histogram
	JudgeFailuresTotal   prometheus.Counter
	BatchRunsTotal       *prometheus.CounterVec
	BatchFlagged         prometheus.Histogram
	BatchDuration        prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_classifications_total",
			Help: "Under-radar classifications by result.",
		}, []string{"result"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_classify_duration_seconds",
			Help:    "Duration of a single classification, including the judge call.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}),
		JudgeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_judge_failures_total",
			Help: "Judge calls that failed or timed out and fell back to the default judgment.",
		}),
		BatchRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_batch_runs_total",
			Help: "Batch detection runs by status.",
		}, []string{"status"}),
		BatchFlagged: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_batch_flagged",
			Help:    "Flags created per batch detection run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_batch_duration_seconds",
			Help:    "Duration of batch detection runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}),
	}

	reg.MustRegister(
		m.ClassificationsTotal,
		m.ClassifyDuration,
		m.JudgeFailuresTotal,
		m.BatchRunsTotal,
		m.BatchFlagged,
		m.BatchDuration,
	)

	return m
}

// Hooks returns classifier Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnClassify: func(result string, duration float64) {
			m.ClassificationsTotal.WithLabelValues(result).Inc()
			m.ClassifyDuration.Observe(duration)
		},
		OnJudgeError: func() {
			m.JudgeFailuresTotal.Inc()
		},
		OnBatch: func(flagged int, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.BatchRunsTotal.WithLabelValues(status).Inc()
			m.BatchFlagged.Observe(float64(flagged))
			m.BatchDuration.Observe(duration)
		},
	}
}
