// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"math"
	"testing"
)

// seedPath records count outcomes on path with a fixed latency and the
// given success ratio (successes first).
func seedPath(m *RoutingMonitor, path string, count int, latencyMs int64, successPct float64) {
	successes := int(float64(count) * successPct / 100)
	for i := 0; i < count; i++ {
		m.RecordOutcome(path, latencyMs, i < successes, false)
	}
}

func TestRecordOutcomeAggregates(t *testing.T) {
	m := NewRoutingMonitor(testLogger())

	m.RecordOutcome("DIRECT", 100, true, false)
	m.RecordOutcome("DIRECT", 200, true, false)
	m.RecordOutcome("DIRECT", 300, false, true)

	pm, ok := m.PathMetricsFor("DIRECT")
	if !ok {
		t.Fatal("path missing after outcomes")
	}

	if pm.RequestCount != 3 || pm.SuccessCount != 2 || pm.FailureCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/2/1", pm.RequestCount, pm.SuccessCount, pm.FailureCount)
	}
	if pm.RequestCount != pm.SuccessCount+pm.FailureCount {
		t.Error("request count does not equal successes plus failures")
	}
	if pm.FallbackCount != 1 {
		t.Errorf("fallback count = %d, want 1", pm.FallbackCount)
	}
	if pm.AverageLatencyMs != 200 {
		t.Errorf("average latency = %v, want 200", pm.AverageLatencyMs)
	}
	if pm.P50LatencyMs != 200 || pm.P95LatencyMs != 300 || pm.P99LatencyMs != 300 {
		t.Errorf("percentiles = %d/%d/%d, want 200/300/300", pm.P50LatencyMs, pm.P95LatencyMs, pm.P99LatencyMs)
	}
	if math.Abs(pm.SuccessRate-66.666) > 0.01 {
		t.Errorf("success rate = %v, want ~66.67", pm.SuccessRate)
	}
	if pm.LastUpdated.IsZero() {
		t.Error("LastUpdated not set")
	}
}

func TestAllPathMetricsReturnsCopies(t *testing.T) {
	m := NewRoutingMonitor(testLogger())
	m.RecordOutcome("DIRECT", 100, true, false)

	snap := m.AllPathMetrics()
	snap["DIRECT"] = PathMetrics{Path: "DIRECT", RequestCount: 999}

	pm, _ := m.PathMetricsFor("DIRECT")
	if pm.RequestCount != 1 {
		t.Fatalf("mutating the snapshot changed the store: count = %d", pm.RequestCount)
	}

	if _, ok := m.PathMetricsFor("UNKNOWN"); ok {
		t.Fatal("unknown path reported metrics")
	}
}

func TestRoutingEfficiencyWeighting(t *testing.T) {
	m := NewRoutingMonitor(testLogger())

	// DIRECT: 3000 ms average, 97.5% success.
	// MEDIATED: 10000 ms average (at the ceiling), 95% success.
	seedPath(m, "DIRECT", 400, 3000, 97.5)
	seedPath(m, "MEDIATED", 400, 10000, 95)

	eff := m.CalculateRoutingEfficiency()

	// DIRECT: 0.6*97.5 + 0.4*(1-0.3)*100 = 86.5
	if math.Abs(eff.PerPathEfficiency["DIRECT"]-86.5) > 0.01 {
		t.Errorf("DIRECT efficiency = %v, want 86.5", eff.PerPathEfficiency["DIRECT"])
	}
	// MEDIATED: 0.6*95 + 0 = 57
	if math.Abs(eff.PerPathEfficiency["MEDIATED"]-57) > 0.01 {
		t.Errorf("MEDIATED efficiency = %v, want 57", eff.PerPathEfficiency["MEDIATED"])
	}
	// Equal volume: (86.5+57)/2 = 71.75
	if math.Abs(eff.OverallEfficiency-71.75) > 0.01 {
		t.Errorf("overall efficiency = %v, want 71.75", eff.OverallEfficiency)
	}
}

func TestRoutingEfficiencyFallbackRates(t *testing.T) {
	m := NewRoutingMonitor(testLogger())

	// 6 primary successes, 2 fallback successes, 2 primary failures.
	for i := 0; i < 6; i++ {
		m.RecordOutcome("DIRECT", 100, true, false)
	}
	m.RecordOutcome("MEDIATED", 500, true, true)
	m.RecordOutcome("MEDIATED", 500, true, true)
	m.RecordOutcome("DIRECT", 100, false, false)
	m.RecordOutcome("DIRECT", 100, false, false)

	eff := m.CalculateRoutingEfficiency()
	if eff.FallbackRate != 20 {
		t.Errorf("fallback rate = %v, want 20", eff.FallbackRate)
	}
	if eff.OptimalRoutingRate != 60 {
		t.Errorf("optimal routing rate = %v, want 60", eff.OptimalRoutingRate)
	}
}

func TestRoutingEfficiencyEmpty(t *testing.T) {
	m := NewRoutingMonitor(testLogger())

	eff := m.CalculateRoutingEfficiency()
	if eff.OverallEfficiency != 0 || eff.FallbackRate != 0 {
		t.Errorf("efficiency on empty monitor = %+v, want zeros", eff)
	}
	if m.TotalRequests() != 0 {
		t.Errorf("TotalRequests = %d, want 0", m.TotalRequests())
	}
	if m.OverallErrorRate() != 0 {
		t.Errorf("OverallErrorRate = %v, want 0", m.OverallErrorRate())
	}
}

func TestOverallErrorRate(t *testing.T) {
	m := NewRoutingMonitor(testLogger())

	for i := 0; i < 8; i++ {
		m.RecordOutcome("DIRECT", 100, true, false)
	}
	m.RecordOutcome("DIRECT", 100, false, false)
	m.RecordOutcome("MEDIATED", 100, false, false)

	if got := m.OverallErrorRate(); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("OverallErrorRate = %v, want 0.2", got)
	}
}

func TestPathLatencyStoreBounded(t *testing.T) {
	m := NewRoutingMonitor(testLogger())
	m.maxSamples = 50

	for i := 0; i < 200; i++ {
		m.RecordOutcome("DIRECT", int64(i), true, false)
	}

	m.mu.RLock()
	n := len(m.paths["DIRECT"].latencies)
	m.mu.RUnlock()
	if n != 50 {
		t.Fatalf("retained latencies = %d, want 50", n)
	}

	// Percentiles are computed over the retained window only.
	pm, _ := m.PathMetricsFor("DIRECT")
	if pm.P50LatencyMs < 150 {
		t.Errorf("p50 = %d, want a value from the newest 50 samples", pm.P50LatencyMs)
	}
}
