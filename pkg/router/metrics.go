package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegix",
		Name:      "runs_total",
		Help:      "Completed invocations by outcome.",
	}, []string{"outcome"})
	metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegix",
		Name:      "policy_decisions_total",
		Help:      "Policy decisions by result.",
	}, []string{"decision"})
	metricActiveSandboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegix",
		Name:      "active_sandboxes",
		Help:      "Sandbox instances currently acquired.",
	})
	metricExecSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegix",
		Name:      "exec_duration_seconds",
		Help:      "Wall-clock time of sandboxed command execution.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
	metricTeardownFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegix",
		Name:      "teardown_failures_total",
		Help:      "Sandbox releases that failed.",
	})
)

func recordDecision(allow bool) {
	if allow {
		metricDecisions.WithLabelValues("allow").Inc()
		return
	}
	metricDecisions.WithLabelValues("deny").Inc()
}

func recordRun(outcome string) {
	metricRuns.WithLabelValues(outcome).Inc()
}

func recordExecSeconds(seconds float64) {
	metricExecSeconds.Observe(seconds)
}

func recordTeardownFailure() {
	metricTeardownFailures.Inc()
}
