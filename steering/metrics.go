// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the steering hot path and its control loops. The
// exportable MetricSink in the sinks package is a separate surface; these
// counters stay process-local and are scraped from /prometheus.
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_controlplane_requests_total",
			Help: "Total number of requests processed by the steering pipeline",
		},
		[]string{"status", "route"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_controlplane_request_duration_milliseconds",
			Help:    "End-to-end request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"operation"},
	)
	promSafetyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_controlplane_safety_violations_total",
			Help: "Total number of safety violations detected by the guardrails layer",
		},
		[]string{"type", "direction"},
	)
	promCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_controlplane_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"path", "to"},
	)
	promOptimizerCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_controlplane_optimizer_cycles_total",
			Help: "Total number of routing optimizer cycles by outcome",
		},
		[]string{"outcome"},
	)
	promShutdownEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_controlplane_shutdown_events_total",
			Help: "Total number of emergency shutdown events",
		},
		[]string{"scope", "reason"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promSafetyViolations)
	prometheus.MustRegister(promCircuitTransitions)
	prometheus.MustRegister(promOptimizerCycles)
	prometheus.MustRegister(promShutdownEvents)
}
