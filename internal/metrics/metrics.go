// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	TranscriptsProcessed *prometheus.CounterVec
	TasksCreated         prometheus.Counter
	StageDuration        *prometheus.HistogramVec
}

// New registers the pipeline collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TranscriptsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoclawd",
			Name:      "transcripts_processed_total",
			Help:      "Transcript chunks processed, by outcome.",
		}, []string{"outcome"}),
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autoclawd",
			Name:      "tasks_created_total",
			Help:      "Tasks created from analyses.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoclawd",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
	}
	reg.MustRegister(m.TranscriptsProcessed, m.TasksCreated, m.StageDuration)
	return m
}

// Outcome labels for TranscriptsProcessed.
const (
	OutcomeSuperseded    = "superseded"
	OutcomeNotActionable = "not_actionable"
	OutcomeActionable    = "actionable"
	OutcomeError         = "error"
)
