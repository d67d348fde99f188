package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline outcomes.
const (
	OutcomeReturned = "returned"
	OutcomeFailed   = "failed"
)

// Pipeline stages.
const (
	StageTranscode  = "transcode"
	StageScore      = "score"
	StageTranscribe = "transcribe"
	StageEvaluate   = "evaluate"
)

// Metrics contains the Prometheus collectors for the evaluation pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Pipeline metrics
	PipelineRuns  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Stage outcome metrics
	ScoringResults      *prometheus.CounterVec
	TranscriptFallbacks *prometheus.CounterVec
	EvaluationDegraded  *prometheus.CounterVec

	// Temp file metrics
	TempCleanupFailures prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: g,

		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "echotutor_pipeline_runs_total",
			Help: "Total number of pipeline invocations by terminal outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "echotutor_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"stage"}),

		ScoringResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "echotutor_scoring_results_total",
			Help: "Scoring engine resolutions by reason",
		}, []string{"reason"}),
		TranscriptFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "echotutor_transcript_fallbacks_total",
			Help: "Transcripts resolved without the scoring engine, by fallback policy",
		}, []string{"policy"}),
		EvaluationDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "echotutor_evaluation_degraded_total",
			Help: "Degraded evaluation results by cause",
		}, []string{"reason"}),

		TempCleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "echotutor_temp_cleanup_failures_total",
			Help: "Temporary files that could not be removed",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records a pipeline terminal outcome.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordScoring records how a scoring call resolved.
func (m *Metrics) RecordScoring(reason string) {
	if m == nil {
		return
	}
	m.ScoringResults.WithLabelValues(reason).Inc()
}

// RecordTranscriptFallback records a transcript resolved by the fallback policy.
func (m *Metrics) RecordTranscriptFallback(policy string) {
	if m == nil {
		return
	}
	m.TranscriptFallbacks.WithLabelValues(policy).Inc()
}

// RecordEvaluationDegraded records a degraded evaluation.
func (m *Metrics) RecordEvaluationDegraded(reason string) {
	if m == nil {
		return
	}
	m.EvaluationDegraded.WithLabelValues(reason).Inc()
}

// AddCleanupFailures records temp files left behind.
func (m *Metrics) AddCleanupFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TempCleanupFailures.Add(float64(n))
}
