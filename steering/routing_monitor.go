// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"sort"
	"sync"
	"time"

	"axonflow/controlplane/shared/logger"
)

// routingLatencyCeilingMs normalizes latency into a 0..1 efficiency factor.
// Paths at or beyond the ceiling score zero on the latency axis.
const routingLatencyCeilingMs = 10000

// routingMaxSamples bounds the retained latency samples per path.
const routingMaxSamples = 10000

// PathMetrics is the aggregate view of one provider path.
type PathMetrics struct {
	Path             string    `json:"path"`
	RequestCount     int64     `json:"request_count"`
	SuccessCount     int64     `json:"success_count"`
	FailureCount     int64     `json:"failure_count"`
	FallbackCount    int64     `json:"fallback_count"`
	AverageLatencyMs float64   `json:"average_latency_ms"`
	P50LatencyMs     int64     `json:"p50_latency_ms"`
	P95LatencyMs     int64     `json:"p95_latency_ms"`
	P99LatencyMs     int64     `json:"p99_latency_ms"`
	SuccessRate      float64   `json:"success_rate"`
	LastUpdated      time.Time `json:"last_updated"`
}

// RoutingEfficiency summarizes how well traffic is being routed.
type RoutingEfficiency struct {
	// OverallEfficiency is the request-weighted path efficiency, 0..100.
	OverallEfficiency float64 `json:"overall_efficiency"`

	// PerPathEfficiency is each path's efficiency score, 0..100.
	PerPathEfficiency map[string]float64 `json:"per_path_efficiency"`

	// FallbackRate is the percentage of requests served by a fallback.
	FallbackRate float64 `json:"fallback_rate"`

	// OptimalRoutingRate is the percentage of requests that succeeded on
	// their primary path.
	OptimalRoutingRate float64 `json:"optimal_routing_rate"`
}

// pathState is the mutable per-path store behind the published metrics.
type pathState struct {
	metrics      PathMetrics
	optimalCount int64
	latencies    []int64
}

// RoutingMonitor aggregates outcomes per provider path. It owns its store
// exclusively; AllPathMetrics hands out copies.
type RoutingMonitor struct {
	log        *logger.Logger
	maxSamples int

	mu    sync.RWMutex
	paths map[string]*pathState
}

// NewRoutingMonitor creates an empty routing monitor.
func NewRoutingMonitor(log *logger.Logger) *RoutingMonitor {
	if log == nil {
		log = logger.New("routing-monitor")
	}
	return &RoutingMonitor{
		log:        log,
		maxSamples: routingMaxSamples,
		paths:      make(map[string]*pathState),
	}
}

// RecordOutcome folds one completed call into the path's aggregates.
// fallback marks requests that were diverted from their primary path.
func (m *RoutingMonitor) RecordOutcome(path string, latencyMs int64, success, fallback bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.paths[path]
	if !ok {
		st = &pathState{metrics: PathMetrics{Path: path}}
		m.paths[path] = st
	}

	st.metrics.RequestCount++
	if success {
		st.metrics.SuccessCount++
		if !fallback {
			st.optimalCount++
		}
	} else {
		st.metrics.FailureCount++
	}
	if fallback {
		st.metrics.FallbackCount++
	}

	st.latencies = append(st.latencies, latencyMs)
	if len(st.latencies) > m.maxSamples {
		st.latencies = st.latencies[len(st.latencies)-m.maxSamples:]
	}

	sorted := make([]int64, len(st.latencies))
	copy(sorted, st.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, l := range sorted {
		sum += l
	}
	st.metrics.AverageLatencyMs = float64(sum) / float64(len(sorted))
	st.metrics.P50LatencyMs = percentileInt64(sorted, 0.50)
	st.metrics.P95LatencyMs = percentileInt64(sorted, 0.95)
	st.metrics.P99LatencyMs = percentileInt64(sorted, 0.99)
	st.metrics.SuccessRate = float64(st.metrics.SuccessCount) / float64(st.metrics.RequestCount) * 100
	st.metrics.LastUpdated = time.Now()
}

// PathMetricsFor returns a copy of one path's aggregates.
func (m *RoutingMonitor) PathMetricsFor(path string) (PathMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.paths[path]
	if !ok {
		return PathMetrics{}, false
	}
	return st.metrics, true
}

// AllPathMetrics returns a copy of every path's aggregates.
func (m *RoutingMonitor) AllPathMetrics() map[string]PathMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PathMetrics, len(m.paths))
	for name, st := range m.paths {
		out[name] = st.metrics
	}
	return out
}

// TotalRequests returns the request count across all paths.
func (m *RoutingMonitor) TotalRequests() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, st := range m.paths {
		total += st.metrics.RequestCount
	}
	return total
}

// OverallErrorRate returns the failure fraction (0..1) across all paths.
func (m *RoutingMonitor) OverallErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var requests, failures int64
	for _, st := range m.paths {
		requests += st.metrics.RequestCount
		failures += st.metrics.FailureCount
	}
	if requests == 0 {
		return 0
	}
	return float64(failures) / float64(requests)
}

// CalculateRoutingEfficiency scores each path by success rate and
// normalized latency, weighting the overall score by request volume.
func (m *RoutingMonitor) CalculateRoutingEfficiency() RoutingEfficiency {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eff := RoutingEfficiency{PerPathEfficiency: make(map[string]float64, len(m.paths))}

	var totalRequests, totalFallbacks, totalOptimal int64
	var weightedSum float64
	for name, st := range m.paths {
		pm := st.metrics
		if pm.RequestCount == 0 {
			eff.PerPathEfficiency[name] = 0
			continue
		}

		latencyScore := 1 - pm.AverageLatencyMs/routingLatencyCeilingMs
		if latencyScore < 0 {
			latencyScore = 0
		}
		pathEff := 0.6*pm.SuccessRate + 0.4*latencyScore*100
		eff.PerPathEfficiency[name] = pathEff

		weightedSum += pathEff * float64(pm.RequestCount)
		totalRequests += pm.RequestCount
		totalFallbacks += pm.FallbackCount
		totalOptimal += st.optimalCount
	}

	if totalRequests > 0 {
		eff.OverallEfficiency = weightedSum / float64(totalRequests)
		eff.FallbackRate = float64(totalFallbacks) / float64(totalRequests) * 100
		eff.OptimalRoutingRate = float64(totalOptimal) / float64(totalRequests) * 100
	}
	return eff
}
