package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// Metrics holds Prometheus metrics for ingestion, workflows, search and
// model calls.
type Metrics struct {
	IngestedTotal       *prometheus.CounterVec
	FallbacksTotal      *prometheus.CounterVec
	SearchFailuresTotal *prometheus.CounterVec
	StepsTotal          *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepAttempts        *prometheus.HistogramVec
	InstancesTotal      *prometheus.CounterVec
	InstanceDuration    *prometheus.HistogramVec
	LLMCallsTotal       *prometheus.CounterVec
	LLMTokensIn         prometheus.Counter
	LLMTokensOut        prometheus.Counter
	LLMDuration         prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_feedback_ingested_total",
			Help: "Feedback items accepted, by source.",
		}, []string{"source"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_collaborator_fallbacks_total",
			Help: "Collaborator calls that failed and were replaced by a default.",
		}, []string{"collaborator"}),
		SearchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_search_failures_total",
			Help: "Similarity search failures absorbed, by operation.",
		}, []string{"op"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_workflow_step_attempts_total",
			Help: "Workflow step attempts by workflow, step and outcome.",
		}, []string{"workflow", "step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_workflow_step_duration_seconds",
			Help:    "Duration of individual step attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"workflow", "step"}),
		StepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_workflow_step_attempt_number",
			Help:    "Attempt number at which step attempts ran.",
			Buckets: prometheus.LinearBuckets(1, 1, 4), // 1 .. 4
		}, []string{"workflow"}),
		InstancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_workflow_instances_total",
			Help: "Workflow instances finished, by workflow and final status.",
		}, []string{"workflow", "status"}),
		InstanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_workflow_duration_seconds",
			Help:    "Duration of workflow executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~204s
		}, []string{"workflow"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_llm_calls_total",
			Help: "Total LLM provider calls by outcome.",
		}, []string{"outcome"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s .. ~32s
		}),
	}

	reg.MustRegister(
		m.IngestedTotal,
		m.FallbacksTotal,
		m.SearchFailuresTotal,
		m.StepsTotal,
		m.StepDuration,
		m.StepAttempts,
		m.InstancesTotal,
		m.InstanceDuration,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
	)

	return m
}

// Hooks returns service Hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(source string) {
			m.IngestedTotal.WithLabelValues(source).Inc()
		},
		OnFallback: func(collaborator string) {
			m.FallbacksTotal.WithLabelValues(collaborator).Inc()
		},
	}
}

// WorkflowHooks returns runner hooks that record step and instance metrics.
func (m *Metrics) WorkflowHooks() workflow.Hooks {
	return workflow.Hooks{
		OnStep: func(workflowType, step, outcome string, attempt int, duration float64) {
			m.StepsTotal.WithLabelValues(workflowType, step, outcome).Inc()
			m.StepDuration.WithLabelValues(workflowType, step).Observe(duration)
			m.StepAttempts.WithLabelValues(workflowType).Observe(float64(attempt))
		},
		OnComplete: func(workflowType string, status workflow.Status, duration float64) {
			m.InstancesTotal.WithLabelValues(workflowType, string(status)).Inc()
			m.InstanceDuration.WithLabelValues(workflowType).Observe(duration)
		},
	}
}

// SearchFailure counts one absorbed search failure. It matches the
// onFailure callback of search.NewResilient.
func (m *Metrics) SearchFailure(op string) {
	m.SearchFailuresTotal.WithLabelValues(op).Inc()
}

// LLMObserver returns an llm.Observer that records call metrics.
func (m *Metrics) LLMObserver() llm.Observer {
	return func(usage llm.Usage, duration time.Duration, err error) {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.LLMCallsTotal.WithLabelValues(outcome).Inc()
		m.LLMTokensIn.Add(float64(usage.InputTokens))
		m.LLMTokensOut.Add(float64(usage.OutputTokens))
		m.LLMDuration.Observe(duration.Seconds())
	}
}
