// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"errors"
	"math"
	"testing"
	"time"
)

func newTestActivationMonitor() *ActivationMonitor {
	return NewActivationMonitor(ActivationConfig{}, NewAlertLog(0), testLogger())
}

func recordOps(m *ActivationMonitor, flag string, successes, failures int, durationMs int64) {
	for i := 0; i < successes; i++ {
		m.Record(ActivationOperation{FlagName: flag, Operation: "enable", Success: true, DurationMs: durationMs})
	}
	for i := 0; i < failures; i++ {
		m.Record(ActivationOperation{FlagName: flag, Operation: "enable", Success: false, DurationMs: durationMs, Error: "store unavailable"})
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		window string
		want   time.Duration
		ok     bool
	}{
		{"30m", 30 * time.Minute, true},
		{"1h", time.Hour, true},
		{"24h", 24 * time.Hour, true},
		{"7d", 7 * 24 * time.Hour, true},
		{"", 0, false},
		{"h", 0, false},
		{"0h", 0, false},
		{"-5m", 0, false},
		{"1.5h", 0, false},
		{"1w", 0, false},
		{"10s", 0, false},
	}

	for _, tt := range tests {
		got, err := parseWindow(tt.window)
		if tt.ok {
			if err != nil {
				t.Errorf("parseWindow(%q) error: %v", tt.window, err)
			} else if got != tt.want {
				t.Errorf("parseWindow(%q) = %v, want %v", tt.window, got, tt.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("parseWindow(%q) should fail", tt.window)
			continue
		}
		if KindOf(err) != ErrConfig {
			t.Errorf("parseWindow(%q) error kind = %s, want %s", tt.window, KindOf(err), ErrConfig)
		}
	}
}

func TestStatsRejectsUnknownWindow(t *testing.T) {
	m := newTestActivationMonitor()
	if _, err := m.Stats("2w"); err == nil {
		t.Fatal("expected window parse error")
	}
}

func TestStatsComputesRatesAndDurations(t *testing.T) {
	m := newTestActivationMonitor()
	for i := 0; i < 7; i++ {
		m.Record(ActivationOperation{FlagName: "routing.direct.enabled", Operation: "enable", Success: true, DurationMs: int64(100 * (i + 1))})
	}
	recordOps(m, "routing.mediated.enabled", 0, 2, 6000)
	recordOps(m, "mode.support", 0, 1, 200)

	stats, err := m.Stats("1h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalOperations != 10 || stats.SuccessOperations != 7 || stats.FailedOperations != 3 {
		t.Fatalf("counts = %d/%d/%d, want 10/7/3",
			stats.TotalOperations, stats.SuccessOperations, stats.FailedOperations)
	}
	if math.Abs(stats.SuccessRate-70) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 70", stats.SuccessRate)
	}
	// Durations: 100..700, 6000, 6000, 200 -> sum 15000, avg 1500.
	if math.Abs(stats.AvgDurationMs-1500) > 1e-9 {
		t.Errorf("AvgDurationMs = %v, want 1500", stats.AvgDurationMs)
	}
	if stats.P95DurationMs != 6000 || stats.P99DurationMs != 6000 {
		t.Errorf("P95/P99 = %d/%d, want 6000/6000", stats.P95DurationMs, stats.P99DurationMs)
	}
	if stats.SlowOperations != 2 {
		t.Errorf("SlowOperations = %d, want 2", stats.SlowOperations)
	}
	if len(stats.AffectedFlags) != 2 {
		t.Fatalf("AffectedFlags = %v, want two unique flags", stats.AffectedFlags)
	}
}

func TestStatsWindowExcludesOldOperations(t *testing.T) {
	m := newTestActivationMonitor()
	m.Record(ActivationOperation{FlagName: "routing.direct.enabled", Success: false, Timestamp: time.Now().Add(-2 * time.Hour)})
	m.Record(ActivationOperation{FlagName: "routing.direct.enabled", Success: true})

	stats, err := m.Stats("1h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalOperations != 1 || stats.SuccessRate != 100 {
		t.Errorf("stats = %+v, want the old failure excluded", stats)
	}

	day, err := m.Stats("1d")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if day.TotalOperations != 2 {
		t.Errorf("1d operations = %d, want 2", day.TotalOperations)
	}
}

func TestStatsEmptyWindow(t *testing.T) {
	m := newTestActivationMonitor()

	stats, err := m.Stats("1h")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalOperations != 0 || stats.SuccessRate != 100 {
		t.Errorf("empty stats = %+v, want zero operations at 100%% success", stats)
	}
}

func TestCheckThresholdsNeedsMinimumSample(t *testing.T) {
	m := newTestActivationMonitor()
	recordOps(m, "routing.direct.enabled", 0, 4, 50)

	m.CheckThresholds()
	if got := m.alerts.Count(); got != 0 {
		t.Errorf("alerts = %d, want 0 below the minimum sample", got)
	}
}

func TestCheckThresholdsCriticalBelowWarningThreshold(t *testing.T) {
	m := newTestActivationMonitor()
	recordOps(m, "routing.direct.enabled", 4, 1, 50)

	m.CheckThresholds()
	alerts := m.alerts.SnapshotByType(AlertTypeActivationRate)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != AlertSeverityCritical {
		t.Errorf("severity = %s, want critical at 80%%", alerts[0].Severity)
	}
	if math.Abs(alerts[0].CurrentValue-80) > 1e-9 {
		t.Errorf("CurrentValue = %v, want 80", alerts[0].CurrentValue)
	}
}

func TestCheckThresholdsWarningBetweenThresholds(t *testing.T) {
	m := newTestActivationMonitor()
	recordOps(m, "routing.mediated.enabled", 97, 3, 50)

	m.CheckThresholds()
	alerts := m.alerts.SnapshotByType(AlertTypeActivationRate)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != AlertSeverityWarning {
		t.Errorf("severity = %s, want warning at 97%%", alerts[0].Severity)
	}
	found := false
	for _, r := range alerts[0].Recommendations {
		if len(r) > 0 && r != "Verify flag store backend connectivity" {
			found = true
		}
	}
	if !found {
		t.Errorf("recommendations should name affected flags: %v", alerts[0].Recommendations)
	}
}

func TestCheckThresholdsQuietWhenHealthy(t *testing.T) {
	m := newTestActivationMonitor()
	recordOps(m, "routing.direct.enabled", 100, 1, 50)

	m.CheckThresholds()
	if got := m.alerts.Count(); got != 0 {
		t.Errorf("alerts = %d, want 0 at 99.01%% success", got)
	}
}

func TestCleanupDropsExpiredOperations(t *testing.T) {
	m := NewActivationMonitor(ActivationConfig{
		SuccessRateThreshold:   99,
		WarningThreshold:       95,
		MaxOperationDurationMs: 5000,
		RetentionDays:          30,
		BatchSize:              100,
	}, NewAlertLog(0), testLogger())

	m.Record(ActivationOperation{FlagName: "stale", Success: true, Timestamp: time.Now().AddDate(0, 0, -31)})
	m.Record(ActivationOperation{FlagName: "fresh", Success: true})

	m.Cleanup()

	ops := m.RecentOperations(10)
	if len(ops) != 1 || ops[0].FlagName != "fresh" {
		t.Fatalf("operations after cleanup = %+v, want only the fresh one", ops)
	}
}

func TestRecentOperationsNewestFirstAndCapped(t *testing.T) {
	m := newTestActivationMonitor()
	for i := 0; i < 10; i++ {
		m.Record(ActivationOperation{FlagName: "routing.direct.enabled", Operation: "enable", Success: true, DurationMs: int64(i)})
	}

	ops := m.RecentOperations(3)
	if len(ops) != 3 {
		t.Fatalf("len = %d, want 3", len(ops))
	}
	if ops[0].DurationMs != 9 || ops[2].DurationMs != 7 {
		t.Errorf("order = %d,%d,%d, want newest first 9,8,7", ops[0].DurationMs, ops[1].DurationMs, ops[2].DurationMs)
	}

	all := m.RecentOperations(0)
	if len(all) != 10 {
		t.Errorf("default limit returned %d, want all 10", len(all))
	}
}

func TestWindowParseErrorIsConfigKind(t *testing.T) {
	_, err := parseWindow("5y")
	var steeringErr *Error
	if !errors.As(err, &steeringErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if steeringErr.Kind != ErrConfig {
		t.Errorf("kind = %s, want %s", steeringErr.Kind, ErrConfig)
	}
}
