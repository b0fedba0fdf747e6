// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/controlplane/shared/logger"
)

// Health component names.
const (
	ComponentResourceMonitor = "resource_monitor"
	ComponentAutoResolution  = "auto_resolution"
	ComponentCircuitBreakers = "circuit_breakers"
	ComponentLatencyMonitor  = "latency_monitor"
	ComponentRouting         = "routing"
)

// AnomalySeverity grades a detected anomaly.
type AnomalySeverity string

const (
	AnomalyLow      AnomalySeverity = "LOW"
	AnomalyMedium   AnomalySeverity = "MEDIUM"
	AnomalyHigh     AnomalySeverity = "HIGH"
	AnomalyCritical AnomalySeverity = "CRITICAL"
)

// Anomaly is one detected deviation from the configured thresholds.
type Anomaly struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Severity    AnomalySeverity `json:"severity"`
	Description string          `json:"description"`
	Value       float64         `json:"value"`
	Threshold   float64         `json:"threshold"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Recommendation proposes an action against a detected issue. Priority 10
// is reserved for critical issue resolution.
type Recommendation struct {
	ID                     string    `json:"id"`
	Priority               int       `json:"priority"`
	Category               string    `json:"category"`
	Description            string    `json:"description"`
	ImplementationEffort   string    `json:"implementation_effort"`
	ExpectedImprovementPct float64   `json:"expected_improvement_pct"`
	CreatedAt              time.Time `json:"created_at"`
}

// Recommendation categories.
const (
	CategoryOptimization = "optimization"
	CategoryScaling      = "scaling"
	CategoryMaintenance  = "maintenance"
	CategorySecurity     = "security"
)

// PerformanceMetrics is the performance slice of one health evaluation.
type PerformanceMetrics struct {
	ResponseTimeMs float64 `json:"response_time_ms"`

	// Throughput is requests per minute over the last minute.
	Throughput float64 `json:"throughput"`

	ErrorRate           float64 `json:"error_rate"`
	ResourceUtilization float64 `json:"resource_utilization"`
}

// HealthMetrics is one full health evaluation.
type HealthMetrics struct {
	Timestamp       time.Time          `json:"timestamp"`
	Overall         float64            `json:"overall"`
	ComponentHealth map[string]float64 `json:"component_health"`
	Performance     PerformanceMetrics `json:"performance"`
	Anomalies       []Anomaly          `json:"anomalies"`
	Recommendations []Recommendation   `json:"recommendations"`
}

// AnomalyThresholds are the detection limits.
type AnomalyThresholds struct {
	CPUPct           float64 `json:"cpu_pct" yaml:"cpu_pct"`
	MemoryPct        float64 `json:"memory_pct" yaml:"memory_pct"`
	ErrorRate        float64 `json:"error_rate" yaml:"error_rate"`
	ResponseTimeMs   float64 `json:"response_time_ms" yaml:"response_time_ms"`
	ThroughputPerMin float64 `json:"throughput_per_min" yaml:"throughput_per_min"`
}

// HealthMonitorConfig tunes the health monitor.
type HealthMonitorConfig struct {
	CheckInterval time.Duration     `json:"check_interval" yaml:"check_interval"`
	HistorySize   int               `json:"history_size" yaml:"history_size"`
	Thresholds    AnomalyThresholds `json:"thresholds" yaml:"thresholds"`
}

// DefaultHealthMonitorConfig returns the production defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval: 30 * time.Second,
		HistorySize:   1000,
		Thresholds: AnomalyThresholds{
			CPUPct:           85,
			MemoryPct:        90,
			ErrorRate:        0.05,
			ResponseTimeMs:   2000,
			ThroughputPerMin: 100,
		},
	}
}

// trendSampleCount is how many history entries feed the trend regression.
const trendSampleCount = 10

// trendStableSlope is the slope magnitude below which a trend reads stable.
const trendStableSlope = 0.01

// HealthTrend describes how one metric moves across recent evaluations.
type HealthTrend struct {
	Metric     string  `json:"metric"`
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Confidence float64 `json:"confidence"`
}

// HealthMonitor aggregates component health, performance, anomalies, and
// recommendations on a fixed cadence.
type HealthMonitor struct {
	config  HealthMonitorConfig
	probe   ResourceProbe
	breaker *CircuitBreaker
	latency *LatencyMonitor
	routing *RoutingMonitor
	flags   FlagStore
	log     *logger.Logger

	mu                  sync.RWMutex
	history             []HealthMetrics
	resolutionAttempts  int64
	resolutionSuccesses int64
}

// NewHealthMonitor creates a health monitor. A zero config uses defaults.
func NewHealthMonitor(config HealthMonitorConfig, probe ResourceProbe, breaker *CircuitBreaker, latency *LatencyMonitor, routing *RoutingMonitor, flags FlagStore, log *logger.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.Thresholds == (AnomalyThresholds{}) {
		config.Thresholds = def.Thresholds
	}
	if log == nil {
		log = logger.New("health-monitor")
	}

	return &HealthMonitor{
		config:  config,
		probe:   probe,
		breaker: breaker,
		latency: latency,
		routing: routing,
		flags:   flags,
		log:     log,
	}
}

// RecordResolution counts one automatic resolution attempt. The success
// rate feeds the auto_resolution component and the error-rate metric.
func (h *HealthMonitor) RecordResolution(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolutionAttempts++
	if success {
		h.resolutionSuccesses++
	}
}

// Collect runs one health evaluation, appends it to history, and returns it.
func (h *HealthMonitor) Collect() *HealthMetrics {
	now := time.Now()

	snap, probeErr := h.probe.Snapshot()
	if probeErr != nil {
		h.log.Warn("", "", "Resource probe failed", map[string]interface{}{"error": probeErr.Error()})
	}

	components := map[string]float64{
		ComponentResourceMonitor: h.resourceScore(snap, probeErr),
		ComponentAutoResolution:  h.autoResolutionScore(),
		ComponentCircuitBreakers: h.circuitScore(),
		ComponentLatencyMonitor:  h.latencyScore(),
		ComponentRouting:         h.routingScore(),
	}

	errorRate := 1 - components[ComponentAutoResolution]
	responseTime := h.latency.OverallAverageLatency(5 * time.Minute)
	throughput := h.latency.Throughput(time.Minute) * 60
	utilization := (snap.CPUPct + snap.MemoryPct) / 200

	perfScore := (1 - errorRate) * (1 - math.Min(1, utilization)) * math.Min(1, throughput/500)
	overall := clamp01(0.6*averageScore(components) + 0.4*perfScore)

	metrics := HealthMetrics{
		Timestamp:       now,
		Overall:         overall,
		ComponentHealth: components,
		Performance: PerformanceMetrics{
			ResponseTimeMs:      responseTime,
			Throughput:          throughput,
			ErrorRate:           errorRate,
			ResourceUtilization: utilization,
		},
	}
	metrics.Anomalies = h.detectAnomalies(now, snap, errorRate, responseTime, throughput)
	metrics.Recommendations = h.buildRecommendations(now, metrics)

	h.mu.Lock()
	h.history = append(h.history, metrics)
	if len(h.history) > h.config.HistorySize {
		h.history = h.history[len(h.history)-h.config.HistorySize:]
	}
	h.mu.Unlock()

	if overall < 0.5 {
		h.log.Warn("", "", "Overall health degraded", map[string]interface{}{
			"overall":   overall,
			"anomalies": len(metrics.Anomalies),
		})
	}
	return &metrics
}

// Latest returns the most recent evaluation, or nil before the first run.
func (h *HealthMonitor) Latest() *HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return nil
	}
	m := h.history[len(h.history)-1]
	return &m
}

// History returns up to limit evaluations, oldest first.
func (h *HealthMonitor) History(limit int) []HealthMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HealthMetrics, limit)
	copy(out, h.history[n-limit:])
	return out
}

// Trend fits a least-squares line over the last evaluations of one metric.
// Metrics: overall, response_time, error_rate, throughput,
// resource_utilization.
func (h *HealthMonitor) Trend(metric string) (HealthTrend, error) {
	h.mu.RLock()
	history := h.history
	if len(history) > trendSampleCount {
		history = history[len(history)-trendSampleCount:]
	}
	values := make([]float64, 0, len(history))
	for _, m := range history {
		v, ok := metricValue(m, metric)
		if !ok {
			h.mu.RUnlock()
			return HealthTrend{}, fmt.Errorf("unknown trend metric %q", metric)
		}
		values = append(values, v)
	}
	h.mu.RUnlock()

	slope, r2 := leastSquares(values)

	direction := "stable"
	if math.Abs(slope) >= trendStableSlope {
		rising := slope > 0
		// Rising response time or error rate means things are getting worse.
		if metric == "response_time" || metric == "error_rate" {
			rising = !rising
		}
		if rising {
			direction = "improving"
		} else {
			direction = "degrading"
		}
	}

	return HealthTrend{Metric: metric, Direction: direction, Slope: slope, Confidence: r2}, nil
}

// Run evaluates health on the configured cadence until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) {
	runEvery(ctx, h.config.CheckInterval, h.log, "health-check", func() {
		h.Collect()
	})
}

func (h *HealthMonitor) resourceScore(snap ResourceSnapshot, probeErr error) float64 {
	if probeErr != nil {
		return 0.5
	}
	cpu := snap.CPUPct / 100
	mem := snap.MemoryPct / 100
	disk := snap.DiskPct / 100
	return clamp01(((1 - cpu) + (1 - mem) + (1 - disk)) / 3)
}

func (h *HealthMonitor) autoResolutionScore() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.resolutionAttempts == 0 {
		return 1.0
	}
	return float64(h.resolutionSuccesses) / float64(h.resolutionAttempts)
}

func (h *HealthMonitor) circuitScore() float64 {
	score := 1.0
	for _, state := range h.breaker.Snapshot() {
		switch state.State {
		case "OPEN":
			return 0.5
		case "HALF_OPEN":
			score = 0.8
		}
	}
	return score
}

func (h *HealthMonitor) latencyScore() float64 {
	switch h.latency.Summary().Grade {
	case "A", "B":
		return 1.0
	case "C":
		return 0.8
	default:
		return 0.5
	}
}

func (h *HealthMonitor) routingScore() float64 {
	enabled := 0
	for _, flag := range []string{FlagDirectRouting, FlagMediatedRouting, FlagIntelligentRouting} {
		if h.flags.Get(flag) {
			enabled++
		}
	}
	score := float64(enabled) / 3
	if h.flags.Get(FlagSupportMode) {
		score = math.Min(score, 0.5)
	}
	return score
}

func (h *HealthMonitor) detectAnomalies(now time.Time, snap ResourceSnapshot, errorRate, responseTime, throughput float64) []Anomaly {
	t := h.config.Thresholds
	var anomalies []Anomaly

	add := func(anomalyType string, severity AnomalySeverity, description string, value, threshold float64) {
		anomalies = append(anomalies, Anomaly{
			ID:          uuid.New().String(),
			Type:        anomalyType,
			Severity:    severity,
			Description: description,
			Value:       value,
			Threshold:   threshold,
			Timestamp:   now,
		})
	}

	if snap.CPUPct > t.CPUPct {
		severity := AnomalyHigh
		if snap.CPUPct > 95 {
			severity = AnomalyCritical
		}
		add("cpu_usage", severity, "CPU usage above threshold", snap.CPUPct, t.CPUPct)
	}
	if snap.MemoryPct > t.MemoryPct {
		severity := AnomalyHigh
		if snap.MemoryPct > 95 {
			severity = AnomalyCritical
		}
		add("memory_usage", severity, "Memory usage above threshold", snap.MemoryPct, t.MemoryPct)
	}
	if errorRate > t.ErrorRate {
		severity := AnomalyHigh
		if errorRate > 2*t.ErrorRate {
			severity = AnomalyCritical
		}
		add("error_rate", severity, "Resolution error rate above threshold", errorRate, t.ErrorRate)
	}
	if responseTime > t.ResponseTimeMs {
		severity := AnomalyMedium
		if responseTime > 5000 {
			severity = AnomalyCritical
		}
		add("response_time", severity, "Average response time above threshold", responseTime, t.ResponseTimeMs)
	}
	if throughput > 0 && throughput < t.ThroughputPerMin {
		add("throughput", AnomalyLow, "Throughput below threshold", throughput, t.ThroughputPerMin)
	}

	return anomalies
}

func (h *HealthMonitor) buildRecommendations(now time.Time, metrics HealthMetrics) []Recommendation {
	var recs []Recommendation

	add := func(priority int, category, description, effort string, improvementPct float64) {
		recs = append(recs, Recommendation{
			ID:                     uuid.New().String(),
			Priority:               priority,
			Category:               category,
			Description:            description,
			ImplementationEffort:   effort,
			ExpectedImprovementPct: improvementPct,
			CreatedAt:              now,
		})
	}

	criticalSeen := false
	for _, a := range metrics.Anomalies {
		if a.Severity == AnomalyCritical && !criticalSeen {
			criticalSeen = true
			add(10, CategoryMaintenance, "Resolve critical anomalies immediately", "high", 30)
		}
		switch a.Type {
		case "cpu_usage":
			add(8, CategoryScaling, "Scale out request workers to relieve CPU pressure", "medium", 20)
		case "memory_usage":
			add(7, CategoryScaling, "Increase memory or reduce cache capacity", "medium", 15)
		case "error_rate":
			add(9, CategoryMaintenance, "Investigate failing automatic resolutions", "high", 25)
		case "response_time":
			add(6, CategoryOptimization, "Shift routing rules toward faster paths", "low", 15)
		case "throughput":
			add(4, CategoryOptimization, "Review rate limits and worker capacity", "low", 10)
		}
	}

	if metrics.ComponentHealth[ComponentCircuitBreakers] <= 0.5 {
		add(8, CategoryMaintenance, "A serving path circuit is open; check provider health", "medium", 20)
	}
	if metrics.ComponentHealth[ComponentLatencyMonitor] <= 0.5 {
		add(8, CategoryOptimization, "Latency grade degraded; run an optimization cycle", "medium", 20)
	}
	if metrics.Overall < 0.8 && len(recs) == 0 {
		add(5, CategoryOptimization, "Overall health below target; run an optimization cycle", "low", 15)
	}

	sortRecommendations(recs)
	return recs
}

func sortRecommendations(recs []Recommendation) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Priority > recs[j-1].Priority; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func averageScore(components map[string]float64) float64 {
	if len(components) == 0 {
		return 0
	}
	var sum float64
	for _, v := range components {
		sum += v
	}
	return sum / float64(len(components))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// metricValue extracts one trend metric from an evaluation.
func metricValue(m HealthMetrics, metric string) (float64, bool) {
	switch metric {
	case "overall":
		return m.Overall, true
	case "response_time":
		return m.Performance.ResponseTimeMs, true
	case "error_rate":
		return m.Performance.ErrorRate, true
	case "throughput":
		return m.Performance.Throughput, true
	case "resource_utilization":
		return m.Performance.ResourceUtilization, true
	default:
		return 0, false
	}
}

// leastSquares fits y = a + b*x over x = 0..n-1 and returns the slope and
// the coefficient of determination.
func leastSquares(values []float64) (slope, r2 float64) {
	n := float64(len(values))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}

	denomX := n*sumXX - sumX*sumX
	if denomX == 0 {
		return 0, 0
	}
	slope = (n*sumXY - sumX*sumY) / denomX

	denomY := n*sumYY - sumY*sumY
	if denomY == 0 {
		// A flat series is a perfect fit for a zero slope.
		return slope, 1
	}
	num := n*sumXY - sumX*sumY
	r2 = (num * num) / (denomX * denomY)
	return slope, r2
}
