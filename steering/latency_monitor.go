// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"axonflow/controlplane/shared/logger"
)

// OperationType classifies a request for latency accounting and routing.
type OperationType string

const (
	// OperationGeneration is free-form text generation.
	OperationGeneration OperationType = "GENERATION"

	// OperationRAG is retrieval-augmented generation.
	OperationRAG OperationType = "RAG"

	// OperationCached is a lookup eligible for the response cache.
	OperationCached OperationType = "CACHED"
)

// operationTypes lists all operations in stable order.
var operationTypes = []OperationType{OperationGeneration, OperationRAG, OperationCached}

// LatencyMetric is one completed request sample.
type LatencyMetric struct {
	RequestID  string        `json:"request_id"`
	Operation  OperationType `json:"operation"`
	LatencyMs  int64         `json:"latency_ms"`
	Timestamp  time.Time     `json:"timestamp"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model,omitempty"`
	CacheHit   bool          `json:"cache_hit"`
	TokenCount int           `json:"token_count,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
}

// LatencyMonitorConfig holds the monitor parameters.
type LatencyMonitorConfig struct {
	// MaxMetrics bounds the retained samples per operation.
	MaxMetrics int

	// TimeWindow is the rolling window used by reads and target checks.
	TimeWindow time.Duration

	// Targets are the per-operation latency budgets in milliseconds.
	Targets map[OperationType]int64

	// CacheHitTargetPct is the minimum acceptable cache hit rate.
	CacheHitTargetPct float64

	// CheckInterval is the cadence of the periodic target check.
	CheckInterval time.Duration
}

// DefaultLatencyMonitorConfig returns the production defaults.
func DefaultLatencyMonitorConfig() LatencyMonitorConfig {
	return LatencyMonitorConfig{
		MaxMetrics: 10000,
		TimeWindow: 5 * time.Minute,
		Targets: map[OperationType]int64{
			OperationGeneration: 1500,
			OperationRAG:        300,
			OperationCached:     300,
		},
		CacheHitTargetPct: 80,
		CheckInterval:     time.Minute,
	}
}

// pendingExpiry is how long an unmatched RecordRequestStart entry survives.
const pendingExpiry = 10 * time.Minute

type pendingRequest struct {
	operation OperationType
	startedAt time.Time
}

// OperationLatencySummary describes one operation's recent latency.
type OperationLatencySummary struct {
	Operation OperationType `json:"operation"`
	Count     int           `json:"count"`
	AverageMs float64       `json:"average_ms"`
	P95Ms     int64         `json:"p95_ms"`
	TargetMs  int64         `json:"target_ms"`
	TargetMet bool          `json:"target_met"`
}

// LatencySummary is the monitor's aggregate view over the rolling window.
type LatencySummary struct {
	Operations      []OperationLatencySummary `json:"operations"`
	CacheHitRatePct float64                   `json:"cache_hit_rate_pct"`
	Grade           string                    `json:"grade"`
	Score           float64                   `json:"score"`
	WindowMs        int64                     `json:"window_ms"`
}

// LatencyMonitor tracks per-operation latency samples against targets. It
// owns its sample store exclusively; readers always get copies.
type LatencyMonitor struct {
	config LatencyMonitorConfig
	log    *logger.Logger
	alerts *AlertLog

	mu      sync.RWMutex
	pending map[string]pendingRequest
	samples map[OperationType][]LatencyMetric
}

// NewLatencyMonitor creates a latency monitor. Zero config values fall back
// to the defaults; a nil alert log gets a private one.
func NewLatencyMonitor(config LatencyMonitorConfig, alerts *AlertLog, log *logger.Logger) *LatencyMonitor {
	def := DefaultLatencyMonitorConfig()
	if config.MaxMetrics <= 0 {
		config.MaxMetrics = def.MaxMetrics
	}
	if config.TimeWindow <= 0 {
		config.TimeWindow = def.TimeWindow
	}
	if len(config.Targets) == 0 {
		config.Targets = def.Targets
	}
	if config.CacheHitTargetPct <= 0 {
		config.CacheHitTargetPct = def.CacheHitTargetPct
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if alerts == nil {
		alerts = NewAlertLog(0)
	}
	if log == nil {
		log = logger.New("latency-monitor")
	}

	return &LatencyMonitor{
		config:  config,
		log:     log,
		alerts:  alerts,
		pending: make(map[string]pendingRequest),
		samples: make(map[OperationType][]LatencyMetric),
	}
}

// Alerts returns the alert log the monitor reports into.
func (m *LatencyMonitor) Alerts() *AlertLog {
	return m.alerts
}

// RecordRequestStart marks the beginning of a request. The clock for the
// sample starts here.
func (m *LatencyMonitor) RecordRequestStart(requestID string, op OperationType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[requestID] = pendingRequest{operation: op, startedAt: time.Now()}
}

// AbandonRequest drops a started request without recording a sample. Used
// when a request is rejected before reaching a provider.
func (m *LatencyMonitor) AbandonRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

// RecordRequestComplete closes a started request, appends the sample, and
// raises a latency spike alert when the latency exceeds twice the
// operation's target. Returns the recorded sample, or nil when no matching
// start exists.
func (m *LatencyMonitor) RecordRequestComplete(requestID, provider, model string, cacheHit bool, tokenCount int, cost float64) *LatencyMetric {
	now := time.Now()

	m.mu.Lock()
	pend, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("", requestID, "Completion without matching start", nil)
		return nil
	}
	delete(m.pending, requestID)

	m.mu.Unlock()

	metric := LatencyMetric{
		RequestID:  requestID,
		Operation:  pend.operation,
		LatencyMs:  now.Sub(pend.startedAt).Milliseconds(),
		Timestamp:  now,
		Provider:   provider,
		Model:      model,
		CacheHit:   cacheHit,
		TokenCount: tokenCount,
		Cost:       cost,
	}
	m.appendSample(metric)
	return &metric
}

// appendSample stores a completed sample, trims the store to MaxMetrics,
// and raises the spike alert when warranted.
func (m *LatencyMonitor) appendSample(metric LatencyMetric) {
	m.mu.Lock()
	s := append(m.samples[metric.Operation], metric)
	if len(s) > m.config.MaxMetrics {
		s = s[len(s)-m.config.MaxMetrics:]
	}
	m.samples[metric.Operation] = s
	target := m.config.Targets[metric.Operation]
	m.mu.Unlock()

	if target > 0 && metric.LatencyMs > 2*target {
		m.alerts.Append(Alert{
			Type:         AlertTypeLatencySpike,
			Severity:     AlertSeverityCritical,
			Operation:    string(metric.Operation),
			Message:      "Request latency exceeded twice the operation target",
			CurrentValue: float64(metric.LatencyMs),
			Threshold:    float64(2 * target),
			Recommendations: []string{
				"Check provider health for the serving path",
				"Review recent routing rule changes",
			},
		})
	}
}

// windowSamples returns a copy of op's samples within the window.
func (m *LatencyMonitor) windowSamples(op OperationType, window time.Duration) []LatencyMetric {
	cutoff := time.Now().Add(-window)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LatencyMetric
	for _, s := range m.samples[op] {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// P95Latency returns the 95th percentile latency for op over the window.
// Returns 0 when no samples exist.
func (m *LatencyMonitor) P95Latency(op OperationType, window time.Duration) int64 {
	samples := m.windowSamples(op, window)
	if len(samples) == 0 {
		return 0
	}

	latencies := make([]int64, len(samples))
	for i, s := range samples {
		latencies[i] = s.LatencyMs
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	return percentileInt64(latencies, 0.95)
}

// AverageLatency returns the mean latency for op over the window.
func (m *LatencyMonitor) AverageLatency(op OperationType, window time.Duration) float64 {
	samples := m.windowSamples(op, window)
	if len(samples) == 0 {
		return 0
	}

	var sum int64
	for _, s := range samples {
		sum += s.LatencyMs
	}
	return float64(sum) / float64(len(samples))
}

// OverallAverageLatency returns the mean latency across all operations over
// the window.
func (m *LatencyMonitor) OverallAverageLatency(window time.Duration) float64 {
	var sum int64
	var count int
	for _, op := range operationTypes {
		for _, s := range m.windowSamples(op, window) {
			sum += s.LatencyMs
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return float64(sum) / float64(count)
}

// Throughput returns completed requests per second over the window.
func (m *LatencyMonitor) Throughput(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}

	var count int
	for _, op := range operationTypes {
		count += len(m.windowSamples(op, window))
	}
	return float64(count) / window.Seconds()
}

// CacheHitRate returns the cache hit percentage of CACHED operations over
// the window. Returns -1 when no CACHED samples exist.
func (m *LatencyMonitor) CacheHitRate(window time.Duration) float64 {
	samples := m.windowSamples(OperationCached, window)
	if len(samples) == 0 {
		return -1
	}

	hits := 0
	for _, s := range samples {
		if s.CacheHit {
			hits++
		}
	}
	return float64(hits) / float64(len(samples)) * 100
}

// CheckTargets evaluates the latency targets and cache hit rate over the
// rolling window, raising alerts for breaches. Called by the periodic loop
// and directly by tests.
func (m *LatencyMonitor) CheckTargets() {
	window := m.config.TimeWindow

	for _, op := range operationTypes {
		target := m.config.Targets[op]
		if target <= 0 {
			continue
		}
		samples := m.windowSamples(op, window)
		if len(samples) == 0 {
			continue
		}

		latencies := make([]int64, len(samples))
		var sum int64
		for i, s := range samples {
			latencies[i] = s.LatencyMs
			sum += s.LatencyMs
		}
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		p95 := percentileInt64(latencies, 0.95)
		if p95 <= target {
			continue
		}

		// The breach itself is a warning; it escalates to critical once
		// even the average latency runs past 1.5x the target.
		severity := AlertSeverityWarning
		if float64(sum)/float64(len(latencies)) > 1.5*float64(target) {
			severity = AlertSeverityCritical
		}
		m.alerts.Append(Alert{
			Type:         AlertTypeP95Breach,
			Severity:     severity,
			Operation:    string(op),
			Message:      "P95 latency above operation target",
			CurrentValue: float64(p95),
			Threshold:    float64(target),
			Recommendations: []string{
				"Shift traffic to a faster path",
				"Verify provider capacity",
			},
		})
	}

	if hitRate := m.CacheHitRate(window); hitRate >= 0 && hitRate < m.config.CacheHitTargetPct {
		severity := AlertSeverityWarning
		if hitRate < m.config.CacheHitTargetPct*0.75 {
			severity = AlertSeverityCritical
		}
		m.alerts.Append(Alert{
			Type:         AlertTypeCacheMissRate,
			Severity:     severity,
			Operation:    string(OperationCached),
			Message:      "Cache hit rate below target",
			CurrentValue: hitRate,
			Threshold:    m.config.CacheHitTargetPct,
			Recommendations: []string{
				"Increase response cache TTL",
				"Review cache key coverage for cached operations",
			},
		})
	}

	m.prunePending()
}

// prunePending drops start records that never completed.
func (m *LatencyMonitor) prunePending() {
	cutoff := time.Now().Add(-pendingExpiry)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		if p.startedAt.Before(cutoff) {
			delete(m.pending, id)
		}
	}
}

// Summary returns the aggregate latency view over the rolling window,
// including the performance grade.
func (m *LatencyMonitor) Summary() LatencySummary {
	window := m.config.TimeWindow
	summary := LatencySummary{WindowMs: window.Milliseconds()}

	targetsMet := 0
	for _, op := range operationTypes {
		target := m.config.Targets[op]
		samples := m.windowSamples(op, window)

		var avg float64
		var p95 int64
		if len(samples) > 0 {
			latencies := make([]int64, len(samples))
			var sum int64
			for i, s := range samples {
				latencies[i] = s.LatencyMs
				sum += s.LatencyMs
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			p95 = percentileInt64(latencies, 0.95)
			avg = float64(sum) / float64(len(samples))
		}

		met := target <= 0 || p95 <= target
		if met {
			targetsMet++
		}
		summary.Operations = append(summary.Operations, OperationLatencySummary{
			Operation: op,
			Count:     len(samples),
			AverageMs: avg,
			P95Ms:     p95,
			TargetMs:  target,
			TargetMet: met,
		})
	}

	// Operations without traffic count as met: there is no evidence of a
	// breach, and startup must not grade as failing.
	targetScore := float64(targetsMet) / float64(len(operationTypes)) * 100

	cacheScore := 100.0
	hitRate := m.CacheHitRate(window)
	if hitRate >= 0 {
		cacheScore = hitRate
		summary.CacheHitRatePct = hitRate
	} else {
		summary.CacheHitRatePct = 0
	}

	summary.Score = 0.7*targetScore + 0.3*cacheScore
	summary.Grade = gradeFor(summary.Score)
	return summary
}

// gradeFor maps a 0..100 score to a letter grade.
func gradeFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Run drives the periodic target check until ctx is canceled.
func (m *LatencyMonitor) Run(ctx context.Context) {
	runEvery(ctx, m.config.CheckInterval, m.log, "latency-target-check", m.CheckTargets)
}

// percentileInt64 returns the q-quantile of an ascending-sorted slice using
// the index ceil(n*q)-1.
func percentileInt64(sorted []int64, q float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	idx := int(math.Ceil(float64(n)*q)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
