package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is built against an explicit Registerer so tests can pass their
// own registry instead of sharing process-global state.
type Recorder struct {
	workflowsStarted     *prometheus.CounterVec
	workflowsCompleted   prometheus.Counter
	workflowsFailed      prometheus.Counter
	duplicatesSuppressed *prometheus.CounterVec
	gatewayErrors        *prometheus.CounterVec
	evaluationDuration   prometheus.Histogram
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		workflowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "railrepay_evaluation_workflows_started_total",
				Help: "Total number of evaluation workflows started, by trigger",
			},
			[]string{"trigger"},
		),
		workflowsCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "railrepay_evaluation_workflows_completed_total",
				Help: "Total number of evaluation workflows reaching COMPLETED",
			},
		),
		workflowsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "railrepay_evaluation_workflows_failed_total",
				Help: "Total number of evaluation workflows reaching FAILED",
			},
		),
		duplicatesSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "railrepay_evaluation_duplicates_suppressed_total",
				Help: "Total number of duplicate triggers suppressed, by trigger",
			},
			[]string{"trigger"},
		),
		gatewayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "railrepay_decision_gateway_errors_total",
				Help: "Total number of classified decision service failures",
			},
			[]string{"class"},
		),
		evaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "railrepay_evaluation_duration_seconds",
				Help:    "End-to-end evaluation workflow duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
	}
}

func (r *Recorder) WorkflowStarted(trigger string) {
	r.workflowsStarted.WithLabelValues(trigger).Inc()
}

func (r *Recorder) WorkflowCompleted() {
	r.workflowsCompleted.Inc()
}

func (r *Recorder) WorkflowFailed() {
	r.workflowsFailed.Inc()
}

func (r *Recorder) DuplicateSuppressed(trigger string) {
	r.duplicatesSuppressed.WithLabelValues(trigger).Inc()
}

func (r *Recorder) GatewayError(class string) {
	r.gatewayErrors.WithLabelValues(class).Inc()
}

func (r *Recorder) ObserveEvaluationDuration(d time.Duration) {
	r.evaluationDuration.Observe(d.Seconds())
}
