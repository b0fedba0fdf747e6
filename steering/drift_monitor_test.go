// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"math"
	"testing"
)

func driftSnapshot(provider, model string) ModelSnapshot {
	return ModelSnapshot{
		Provider:     provider,
		Model:        model,
		PromptStats:  DistributionStats{Mean: 420, StdDev: 80, P50: 400, P95: 560, P99: 640},
		DataStats:    DistributionStats{Mean: 100, StdDev: 10, P50: 98, P95: 120, P99: 130},
		LatencyMs:    DistributionStats{Mean: 900, StdDev: 150, P50: 850, P95: 1200, P99: 1500},
		Accuracy:     0.92,
		ErrorRate:    0.02,
		QualityScore: 0.9,
		ToxicityRate: 0.01,
	}
}

func newTestDriftMonitor() *DriftMonitor {
	return NewDriftMonitor(DriftThresholds{}, NewAlertLog(0), testLogger())
}

func TestEvaluateRequiresBaselineAndCurrent(t *testing.T) {
	m := newTestDriftMonitor()

	if _, err := m.Evaluate("bedrock", "claude"); err == nil {
		t.Fatal("expected error without baseline")
	}

	m.SetBaseline(driftSnapshot("bedrock", "claude"))
	if _, err := m.Evaluate("bedrock", "claude"); err == nil {
		t.Fatal("expected error without current snapshot")
	}
}

func TestEvaluateStableModelIsHealthy(t *testing.T) {
	m := newTestDriftMonitor()
	m.SetBaseline(driftSnapshot("bedrock", "claude"))

	report, err := m.UpdateCurrent(driftSnapshot("bedrock", "claude"))
	if err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report once a baseline exists")
	}
	if !report.Healthy {
		t.Errorf("identical snapshots should be healthy: %+v", report)
	}
	if report.DataDriftScore != 0 || report.PromptDriftScore != 0 {
		t.Errorf("drift scores = %v / %v, want 0 / 0", report.DataDriftScore, report.PromptDriftScore)
	}
	if got := m.alerts.Count(); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

func TestUpdateCurrentWithoutBaselineIsSilent(t *testing.T) {
	m := newTestDriftMonitor()

	report, err := m.UpdateCurrent(driftSnapshot("bedrock", "claude"))
	if err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}
	if report != nil {
		t.Fatalf("expected no report without a baseline, got %+v", report)
	}
}

func TestDataDriftWarning(t *testing.T) {
	m := newTestDriftMonitor()
	m.SetBaseline(driftSnapshot("bedrock", "claude"))

	// Mean 100->150 and stddev 10->15 shift the distribution by
	// 0.4*0.5 + 0.3*0.5 = 0.35, past the 0.3 warning threshold.
	cur := driftSnapshot("bedrock", "claude")
	cur.DataStats.Mean = 150
	cur.DataStats.StdDev = 15

	report, err := m.UpdateCurrent(cur)
	if err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}
	if math.Abs(report.DataDriftScore-0.35) > 1e-9 {
		t.Errorf("DataDriftScore = %v, want 0.35", report.DataDriftScore)
	}
	if report.Healthy {
		t.Error("report should be unhealthy")
	}

	alerts := m.alerts.SnapshotByType(AlertTypeDataDrift)
	if len(alerts) != 1 {
		t.Fatalf("data drift alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != AlertSeverityWarning {
		t.Errorf("severity = %s, want warning", alerts[0].Severity)
	}
	if alerts[0].Operation != "bedrock/claude" {
		t.Errorf("operation = %q, want bedrock/claude", alerts[0].Operation)
	}
	if len(alerts[0].Recommendations) == 0 {
		t.Error("data drift alert should recommend retraining")
	}
}

func TestPromptDriftCritical(t *testing.T) {
	m := newTestDriftMonitor()
	m.SetBaseline(driftSnapshot("bedrock", "claude"))

	// Doubling every prompt statistic yields a drift score of 1.0.
	cur := driftSnapshot("bedrock", "claude")
	cur.PromptStats.Mean *= 2
	cur.PromptStats.StdDev *= 2
	cur.PromptStats.P95 *= 2

	report, err := m.UpdateCurrent(cur)
	if err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}
	if math.Abs(report.PromptDriftScore-1.0) > 1e-9 {
		t.Errorf("PromptDriftScore = %v, want 1.0", report.PromptDriftScore)
	}

	alerts := m.alerts.SnapshotByType(AlertTypePromptDrift)
	if len(alerts) != 1 || alerts[0].Severity != AlertSeverityCritical {
		t.Fatalf("expected one critical prompt drift alert, got %+v", alerts)
	}
}

func TestRegressionAlerts(t *testing.T) {
	m := newTestDriftMonitor()
	m.SetBaseline(driftSnapshot("bedrock", "claude"))

	// Latency +30% (warning), accuracy -20% (critical), error rate
	// unchanged.
	cur := driftSnapshot("bedrock", "claude")
	cur.LatencyMs.Mean = 1170
	cur.Accuracy = 0.736

	report, err := m.UpdateCurrent(cur)
	if err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}
	if math.Abs(report.LatencyRegression-0.30) > 1e-9 {
		t.Errorf("LatencyRegression = %v, want 0.30", report.LatencyRegression)
	}
	if math.Abs(report.AccuracyRegression-0.20) > 1e-9 {
		t.Errorf("AccuracyRegression = %v, want 0.20", report.AccuracyRegression)
	}
	if report.ErrorRateRegression != 0 {
		t.Errorf("ErrorRateRegression = %v, want 0", report.ErrorRateRegression)
	}

	alerts := m.alerts.SnapshotByType(AlertTypeRegression)
	if len(alerts) != 2 {
		t.Fatalf("regression alerts = %d, want 2", len(alerts))
	}
	bySeverity := map[AlertSeverity]int{}
	for _, a := range alerts {
		bySeverity[a.Severity]++
	}
	if bySeverity[AlertSeverityWarning] != 1 || bySeverity[AlertSeverityCritical] != 1 {
		t.Errorf("severities = %v, want one warning and one critical", bySeverity)
	}
}

func TestQualityFloorAndToxicityCeiling(t *testing.T) {
	tests := []struct {
		name     string
		quality  float64
		toxicity float64
		qualSev  AlertSeverity
		toxSev   AlertSeverity
	}{
		{"quality warning", 0.75, 0.01, AlertSeverityWarning, ""},
		{"quality critical", 0.65, 0.01, AlertSeverityCritical, ""},
		{"toxicity warning", 0.9, 0.15, "", AlertSeverityWarning},
		{"toxicity critical", 0.9, 0.25, "", AlertSeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestDriftMonitor()
			m.SetBaseline(driftSnapshot("bedrock", "claude"))

			cur := driftSnapshot("bedrock", "claude")
			cur.QualityScore = tt.quality
			cur.ToxicityRate = tt.toxicity

			report, err := m.UpdateCurrent(cur)
			if err != nil {
				t.Fatalf("UpdateCurrent: %v", err)
			}
			if report.Healthy {
				t.Error("report should be unhealthy")
			}

			quality := m.alerts.SnapshotByType(AlertTypeQualityFloor)
			toxicity := m.alerts.SnapshotByType(AlertTypeToxicityCeiling)

			if tt.qualSev == "" && len(quality) != 0 {
				t.Errorf("unexpected quality alerts: %+v", quality)
			}
			if tt.qualSev != "" && (len(quality) != 1 || quality[0].Severity != tt.qualSev) {
				t.Errorf("quality alerts = %+v, want one %s", quality, tt.qualSev)
			}
			if tt.toxSev == "" && len(toxicity) != 0 {
				t.Errorf("unexpected toxicity alerts: %+v", toxicity)
			}
			if tt.toxSev != "" && (len(toxicity) != 1 || toxicity[0].Severity != tt.toxSev) {
				t.Errorf("toxicity alerts = %+v, want one %s", toxicity, tt.toxSev)
			}
		})
	}
}

func TestRegressionScore(t *testing.T) {
	tests := []struct {
		name           string
		cur, base      float64
		higherIsBetter bool
		want           float64
	}{
		{"latency worse", 1300, 1000, false, 0.3},
		{"latency better clamps to zero", 800, 1000, false, 0},
		{"accuracy worse", 0.81, 0.9, true, 0.1},
		{"accuracy better clamps to zero", 0.95, 0.9, true, 0},
		{"zero baseline", 5, 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := regressionScore(tt.cur, tt.base, tt.higherIsBetter)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("regressionScore(%v, %v, %v) = %v, want %v", tt.cur, tt.base, tt.higherIsBetter, got, tt.want)
			}
		})
	}
}

func TestRelDelta(t *testing.T) {
	tests := []struct {
		cur, base, want float64
	}{
		{0, 0, 0},
		{5, 0, 1},
		{150, 100, 0.5},
		{50, 100, 0.5},
	}

	for _, tt := range tests {
		if got := relDelta(tt.cur, tt.base); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("relDelta(%v, %v) = %v, want %v", tt.cur, tt.base, got, tt.want)
		}
	}
}

func TestReportsTracksLatestEvaluation(t *testing.T) {
	m := newTestDriftMonitor()
	m.SetBaseline(driftSnapshot("bedrock", "claude"))

	if _, err := m.UpdateCurrent(driftSnapshot("bedrock", "claude")); err != nil {
		t.Fatalf("UpdateCurrent: %v", err)
	}

	reports := m.Reports()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	if _, ok := reports["bedrock/claude"]; !ok {
		t.Fatalf("missing report for bedrock/claude: %v", reports)
	}
}
