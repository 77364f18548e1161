package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qosmon"

type controllerMetrics struct {
	samplesIngested    prometheus.Counter
	samplesDropped     *prometheus.CounterVec
	constraintsActive  prometheus.Gauge
	constraintsSkipped *prometheus.CounterVec
	evaluations        prometheus.Counter
	violations         prometheus.Counter
	listenerFailures   prometheus.Counter
	reportDuration     prometheus.Histogram
	lastReport         prometheus.Gauge
}

func newControllerMetrics(r prometheus.Registerer) *controllerMetrics {
	m := controllerMetrics{}
	m.samplesIngested = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_ingested_total",
		Help:      "Latency samples accepted into the state table.",
	})
	m.samplesDropped = promauto.With(r).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_dropped_total",
		Help:      "Latency samples dropped instead of being recorded.",
	}, []string{"reason"})
	m.constraintsActive = promauto.With(r).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "constraints_active",
		Help:      "Latency constraints loaded for the current job.",
	})
	m.constraintsSkipped = promauto.With(r).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "constraints_skipped_total",
		Help:      "Constraint evaluations skipped for a cycle.",
	}, []string{"reason"})
	m.evaluations = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "constraint_evaluations_total",
		Help:      "Constraint evaluations performed.",
	})
	m.violations = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "constraint_violations_total",
		Help:      "Constraint violations reported to listeners.",
	})
	m.listenerFailures = promauto.With(r).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listener_failures_total",
		Help:      "Violation listener invocations that panicked.",
	})
	m.reportDuration = promauto.With(r).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "report_duration_seconds",
		Help:      "Time spent in one statistics reporting pass.",
		Buckets:   prometheus.DefBuckets,
	})
	m.lastReport = promauto.With(r).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_report_timestamp_seconds",
		Help:      "Timestamp of the last completed reporting pass.",
	})
	return &m
}

const (
	dropReasonStale         = "stale"
	dropReasonUnknownMember = "unknown_member"

	skipReasonIncomplete = "incomplete"
	skipReasonNotRunning = "not_running"
)
