// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"testing"
	"time"
)

func newTestLatencyMonitor() *LatencyMonitor {
	return NewLatencyMonitor(DefaultLatencyMonitorConfig(), NewAlertLog(0), testLogger())
}

// inject records a sample with a fixed latency, bypassing the wall clock.
func inject(m *LatencyMonitor, op OperationType, latencyMs int64, cacheHit bool) {
	m.appendSample(LatencyMetric{
		RequestID: "injected",
		Operation: op,
		LatencyMs: latencyMs,
		Timestamp: time.Now(),
		Provider:  "test",
		CacheHit:  cacheHit,
	})
}

func TestPercentileIndexRule(t *testing.T) {
	tests := []struct {
		name   string
		sorted []int64
		q      float64
		want   int64
	}{
		{"single sample", []int64{42}, 0.95, 42},
		{"two samples", []int64{10, 20}, 0.95, 20},
		{"three samples", []int64{10, 20, 30}, 0.95, 30},
		{"twenty samples p95", []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, 0.95, 19},
		{"median of five", []int64{1, 2, 3, 4, 5}, 0.50, 3},
		{"empty", nil, 0.95, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentileInt64(tt.sorted, tt.q); got != tt.want {
				t.Errorf("percentileInt64(%v, %v) = %d, want %d", tt.sorted, tt.q, got, tt.want)
			}
		})
	}
}

func TestP95LatencyOverWindow(t *testing.T) {
	m := newTestLatencyMonitor()

	// 1..100 ms: index ceil(100*0.95)-1 = 94, value 95.
	for i := 1; i <= 100; i++ {
		inject(m, OperationGeneration, int64(i), false)
	}

	if got := m.P95Latency(OperationGeneration, time.Minute); got != 95 {
		t.Fatalf("P95Latency = %d, want 95", got)
	}
	if got := m.P95Latency(OperationRAG, time.Minute); got != 0 {
		t.Fatalf("P95Latency with no samples = %d, want 0", got)
	}
}

func TestRecordRequestLifecycle(t *testing.T) {
	m := newTestLatencyMonitor()

	m.RecordRequestStart("req-1", OperationGeneration)
	metric := m.RecordRequestComplete("req-1", "bedrock-primary", "claude", false, 240, 0.01)
	if metric == nil {
		t.Fatal("RecordRequestComplete returned nil for a started request")
	}
	if metric.Operation != OperationGeneration || metric.Provider != "bedrock-primary" {
		t.Errorf("metric = %+v, want GENERATION via bedrock-primary", metric)
	}
	if metric.LatencyMs < 0 {
		t.Errorf("latency = %d, want >= 0", metric.LatencyMs)
	}

	// Completing twice does not produce a second sample.
	if again := m.RecordRequestComplete("req-1", "bedrock-primary", "claude", false, 0, 0); again != nil {
		t.Errorf("second completion = %+v, want nil", again)
	}

	m.RecordRequestStart("req-2", OperationRAG)
	m.AbandonRequest("req-2")
	if metric := m.RecordRequestComplete("req-2", "x", "", false, 0, 0); metric != nil {
		t.Errorf("completion after abandon = %+v, want nil", metric)
	}
}

func TestLatencySpikeAlert(t *testing.T) {
	m := newTestLatencyMonitor()

	// GENERATION target is 1500 ms; the spike line is 3000 ms.
	inject(m, OperationGeneration, 3000, false)
	if got := m.alerts.Count(); got != 0 {
		t.Fatalf("alert at exactly 2x target, count = %d, want 0", got)
	}

	inject(m, OperationGeneration, 3001, false)
	alerts := m.alerts.SnapshotByType(AlertTypeLatencySpike)
	if len(alerts) != 1 {
		t.Fatalf("spike alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Severity != AlertSeverityCritical {
		t.Errorf("spike severity = %q, want critical", a.Severity)
	}
	if a.Operation != "GENERATION" || a.CurrentValue != 3001 || a.Threshold != 3000 {
		t.Errorf("spike alert = %+v", a)
	}
}

func TestCheckTargetsEmitsP95BreachWarning(t *testing.T) {
	m := newTestLatencyMonitor()

	// 100 GENERATION samples uniformly over [1600, 2600] ms. The sorted
	// p95 lands around 2550 ms while the average stays near 2100 ms, so
	// the breach is a warning, not critical.
	for i := 0; i < 100; i++ {
		inject(m, OperationGeneration, 1600+int64(i)*10, false)
	}

	m.CheckTargets()

	breaches := m.alerts.SnapshotByType(AlertTypeP95Breach)
	if len(breaches) != 1 {
		t.Fatalf("p95 breach alerts = %d, want 1", len(breaches))
	}
	a := breaches[0]
	if a.Operation != "GENERATION" {
		t.Errorf("breach operation = %q, want GENERATION", a.Operation)
	}
	if a.Severity != AlertSeverityWarning {
		t.Errorf("breach severity = %q, want warning", a.Severity)
	}
	if a.Threshold != 1500 {
		t.Errorf("breach threshold = %v, want 1500", a.Threshold)
	}
	if a.CurrentValue < 1500 {
		t.Errorf("breach current value = %v, want above the 1500 target", a.CurrentValue)
	}
}

func TestCheckTargetsEscalatesToCritical(t *testing.T) {
	m := newTestLatencyMonitor()

	// Average 4000 ms is far past 1.5x the 1500 ms target.
	for i := 0; i < 50; i++ {
		inject(m, OperationGeneration, 4000, false)
	}

	m.CheckTargets()

	breaches := m.alerts.SnapshotByType(AlertTypeP95Breach)
	if len(breaches) != 1 {
		t.Fatalf("p95 breach alerts = %d, want 1", len(breaches))
	}
	if breaches[0].Severity != AlertSeverityCritical {
		t.Errorf("breach severity = %q, want critical", breaches[0].Severity)
	}
}

func TestCheckTargetsQuietWhenWithinBudget(t *testing.T) {
	m := newTestLatencyMonitor()

	for i := 0; i < 100; i++ {
		inject(m, OperationGeneration, 800, false)
		inject(m, OperationRAG, 120, false)
	}

	m.CheckTargets()
	if got := m.alerts.Count(); got != 0 {
		t.Fatalf("alerts within budget = %d, want 0", got)
	}
}

func TestCacheHitRateAlerting(t *testing.T) {
	m := newTestLatencyMonitor()

	// 70% hit rate: below the 80% target but above the critical line.
	for i := 0; i < 10; i++ {
		inject(m, OperationCached, 50, i < 7)
	}

	if got := m.CacheHitRate(time.Minute); got != 70 {
		t.Fatalf("CacheHitRate = %v, want 70", got)
	}

	m.CheckTargets()
	alerts := m.alerts.SnapshotByType(AlertTypeCacheMissRate)
	if len(alerts) != 1 {
		t.Fatalf("cache miss alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != AlertSeverityWarning {
		t.Errorf("cache alert severity = %q, want warning", alerts[0].Severity)
	}
}

func TestCacheHitRateCriticalBelowSixtyPercent(t *testing.T) {
	m := newTestLatencyMonitor()

	for i := 0; i < 10; i++ {
		inject(m, OperationCached, 50, i < 5)
	}

	m.CheckTargets()
	alerts := m.alerts.SnapshotByType(AlertTypeCacheMissRate)
	if len(alerts) != 1 {
		t.Fatalf("cache miss alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != AlertSeverityCritical {
		t.Errorf("cache alert severity = %q, want critical", alerts[0].Severity)
	}
}

func TestCacheHitRateNoSamples(t *testing.T) {
	m := newTestLatencyMonitor()
	if got := m.CacheHitRate(time.Minute); got != -1 {
		t.Fatalf("CacheHitRate without samples = %v, want -1", got)
	}

	m.CheckTargets()
	if got := m.alerts.Count(); got != 0 {
		t.Fatalf("cache alerts without samples = %d, want 0", got)
	}
}

func TestSummaryGrades(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(m *LatencyMonitor)
		wantGrade string
	}{
		{
			name: "all targets met with perfect cache",
			setup: func(m *LatencyMonitor) {
				inject(m, OperationGeneration, 900, false)
				inject(m, OperationRAG, 100, false)
				inject(m, OperationCached, 20, true)
			},
			wantGrade: "A",
		},
		{
			name:      "no traffic grades A",
			setup:     func(m *LatencyMonitor) {},
			wantGrade: "A",
		},
		{
			name: "one target breached",
			setup: func(m *LatencyMonitor) {
				inject(m, OperationGeneration, 2000, false)
				inject(m, OperationRAG, 100, false)
				inject(m, OperationCached, 20, true)
			},
			// targetScore 66.7, cacheScore 100 -> 76.7
			wantGrade: "C",
		},
		{
			name: "all targets breached with cold cache",
			setup: func(m *LatencyMonitor) {
				inject(m, OperationGeneration, 4000, false)
				inject(m, OperationRAG, 900, false)
				inject(m, OperationCached, 900, false)
			},
			// targetScore 0, cacheScore 0 -> 0
			wantGrade: "F",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestLatencyMonitor()
			tt.setup(m)

			s := m.Summary()
			if s.Grade != tt.wantGrade {
				t.Errorf("grade = %q (score %.1f), want %q", s.Grade, s.Score, tt.wantGrade)
			}
			if len(s.Operations) != 3 {
				t.Errorf("summary operations = %d, want 3", len(s.Operations))
			}
		})
	}
}

func TestThroughputAndAverages(t *testing.T) {
	m := newTestLatencyMonitor()

	for i := 0; i < 30; i++ {
		inject(m, OperationGeneration, 1000, false)
	}
	for i := 0; i < 30; i++ {
		inject(m, OperationRAG, 200, false)
	}

	if got := m.AverageLatency(OperationGeneration, time.Minute); got != 1000 {
		t.Errorf("AverageLatency(GENERATION) = %v, want 1000", got)
	}
	if got := m.OverallAverageLatency(time.Minute); got != 600 {
		t.Errorf("OverallAverageLatency = %v, want 600", got)
	}
	if got := m.Throughput(time.Minute); got != 1.0 {
		t.Errorf("Throughput = %v, want 1.0", got)
	}
}

func TestSampleStoreBounded(t *testing.T) {
	cfg := DefaultLatencyMonitorConfig()
	cfg.MaxMetrics = 100
	m := NewLatencyMonitor(cfg, NewAlertLog(0), testLogger())

	for i := 0; i < 250; i++ {
		inject(m, OperationGeneration, 1000, false)
	}

	m.mu.RLock()
	n := len(m.samples[OperationGeneration])
	m.mu.RUnlock()
	if n != 100 {
		t.Fatalf("retained samples = %d, want 100", n)
	}
}
